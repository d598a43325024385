package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dvlabs/dkg/message"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dkg_sessions_started_total",
		Help: "Key generation sessions started by this node",
	})
	sessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dkg_sessions_completed_total",
		Help: "Key generation sessions that produced key material",
	})
	sessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dkg_sessions_failed_total",
		Help: "Key generation sessions that ended without key material",
	})
	messagesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dkg_messages_broadcast_total",
		Help: "Signed messages published to the committee by type",
	}, []string{"type"})
)

func recordSessionStarted() {
	sessionsStarted.Inc()
}

func recordSessionCompleted() {
	sessionsCompleted.Inc()
}

func recordSessionFailed() {
	sessionsFailed.Inc()
}

func recordBroadcast(msgType message.MsgType) {
	messagesBroadcast.WithLabelValues(msgType.String()).Inc()
}
