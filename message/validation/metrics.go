package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messageValidationResult = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dkg_message_validation_total",
	Help: "Validated inbound messages by verdict and reason",
}, []string{"verdict", "reason"})

func recordAccepted() {
	messageValidationResult.WithLabelValues("accepted", "").Inc()
}

func recordIgnored(reason string) {
	messageValidationResult.WithLabelValues("ignored", reason).Inc()
}

func recordRejected(reason string) {
	messageValidationResult.WithLabelValues("rejected", reason).Inc()
}
