package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/message"
	"github.com/dvlabs/dkg/message/validation"
	"github.com/dvlabs/dkg/operator/keys"
)

func TestSessionTopic(t *testing.T) {
	require.Equal(t, "dkg.7", SessionTopic(7))
	require.Equal(t, "dkg.0", SessionTopic(0))
}

func newTestNetwork(t *testing.T) (*Network, keys.OperatorPrivateKey, validation.MessageValidator) {
	t.Helper()
	key, err := keys.GenerateKey()
	require.NoError(t, err)

	net, err := New(logging.TestLogger(t), Options{
		Ctx:             context.Background(),
		ListenAddresses: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, net.Close())
	})

	mv, err := validation.New(logging.TestLogger(t), key.Address(), validation.WithSelfAccept(net.PeerID(), true))
	require.NoError(t, err)
	return net, key, mv
}

func TestBroadcastBetweenHosts(t *testing.T) {
	netA, keyA, mvA := newTestNetwork(t)
	netB, keyB, mvB := newTestNetwork(t)

	received := make(chan dkg.Event, 1)
	require.NoError(t, netA.Start(7, mvA, func(dkg.Event) {}))
	require.NoError(t, netB.Start(7, mvB, func(event dkg.Event) { received <- event }))

	view := &validation.SessionView{
		Era: 7,
		Participants: map[common.Address]struct{}{
			keyA.Address(): {},
			keyB.Address(): {},
		},
		Excluded: map[common.Address]struct{}{},
		Active:   true,
	}
	mvA.UpdateSession(view)
	mvB.UpdateSession(view)

	addrs, err := netA.Multiaddrs()
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	require.NoError(t, netB.Connect(context.Background(), addrs[0]))

	require.Eventually(t, func() bool {
		return len(netA.Peers()) > 0 && len(netB.Peers()) > 0
	}, 5*time.Second, 50*time.Millisecond, "hosts never met on the topic")

	payload := &dkg.Round1{
		Session:    dkg.SessionID{Era: 7},
		Commitment: [][]byte{{0x01}, {0x02}},
		OneTimeKey: []byte{0x03},
	}
	data, err := payload.Encode()
	require.NoError(t, err)
	signed, err := message.Sign(message.Message{MsgType: message.Round1MsgType, Data: data}, keyA)
	require.NoError(t, err)
	raw, err := signed.Encode()
	require.NoError(t, err)

	require.NoError(t, netA.Broadcast(context.Background(), raw))

	select {
	case event := <-received:
		round1, ok := event.(*dkg.Round1Event)
		require.True(t, ok)
		require.Equal(t, keyA.Address(), round1.From)
		require.Equal(t, payload.Commitment, round1.Message.Commitment)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the broadcast")
	}
}

func TestBroadcastBeforeStart(t *testing.T) {
	net, _, _ := newTestNetwork(t)
	require.Error(t, net.Broadcast(context.Background(), []byte{0x01}))
}
