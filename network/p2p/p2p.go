// Package p2p carries signed session messages between committee operators
// over libp2p gossipsub, one topic per era. Inbound traffic is screened by
// the registered message validator before the decoded events reach the
// handler.
package p2p

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pspb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/logging/fields"
	"github.com/dvlabs/dkg/message/validation"
	"github.com/dvlabs/dkg/utils/commons"
)

const (
	topicPrefix = "dkg."

	defaultPublishTimeout = 5 * time.Second
	connectTimeout        = 10 * time.Second
	reconnectInterval     = 5 * time.Second
)

// SessionTopic returns the gossipsub topic name of an era.
func SessionTopic(era uint64) string {
	return topicPrefix + strconv.FormatUint(era, 10)
}

// EventHandler receives decoded events from validated inbound messages.
type EventHandler func(event dkg.Event)

// Network is a gossipsub transport bound to a single session topic.
type Network struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	host host.Host
	ps   *pubsub.PubSub

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	publishTimeout time.Duration
	peers          []string

	closeOnce sync.Once
	closeErr  error
}

// New builds the libp2p host and the pubsub router. The node joins the
// session topic later, through Start, once the message validator exists.
func New(logger *zap.Logger, opts Options) (*Network, error) {
	parent := opts.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	hostOpts := []libp2p.Option{
		libp2p.ListenAddrStrings(opts.ListenAddresses...),
		libp2p.UserAgent(commons.GetBuildData()),
	}
	if opts.NetworkPrivateKey != "" {
		netKey, err := decodeNetworkKey(opts.NetworkPrivateKey)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "could not decode network key")
		}
		hostOpts = append(hostOpts, libp2p.Identity(netKey))
	} else {
		// Operators exchange multiaddrs that pin the peer identity, so a
		// random key means a new identity on every boot.
		logger.Named(logging.NameP2PNetwork).
			Warn("no network key was provided, using a random identity")
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create p2p host")
	}

	// Messages are signed at the application layer, so the router's own
	// envelope signing is disabled and message IDs derive from content.
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithMessageIdFn(contentMsgID),
		pubsub.WithMaxMessageSize(validation.MaxEncodedMsgSize),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, errors.Wrap(err, "could not create pubsub router")
	}

	publishTimeout := opts.PublishTimeout
	if publishTimeout == 0 {
		publishTimeout = defaultPublishTimeout
	}

	n := &Network{
		logger:         logger.Named(logging.NameP2PNetwork),
		ctx:            ctx,
		cancel:         cancel,
		host:           h,
		ps:             ps,
		publishTimeout: publishTimeout,
		peers:          opts.Peers,
	}
	n.logger.Info("p2p host ready", fields.PeerID(h.ID()))
	return n, nil
}

func contentMsgID(pmsg *pspb.Message) string {
	if pmsg == nil || len(pmsg.GetData()) == 0 {
		return "invalid"
	}
	h := sha256.Sum256(pmsg.GetData())
	return string(h[20:])
}

func decodeNetworkKey(keyHex string) (crypto.PrivKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "malformed hex")
	}
	return crypto.UnmarshalSecp256k1PrivateKey(raw)
}

// Start joins the session topic of the given era, wires the validator into
// the router and starts delivering inbound events to the handler. Static
// peers are dialed best effort.
func (n *Network) Start(era uint64, msgValidator validation.MessageValidator, handler EventHandler) error {
	if n.topic != nil {
		return errors.New("already started")
	}

	name := SessionTopic(era)
	if err := n.ps.RegisterTopicValidator(name, msgValidator.ValidatorForTopic(name)); err != nil {
		return errors.Wrap(err, "could not register topic validator")
	}
	topic, err := n.ps.Join(name)
	if err != nil {
		return errors.Wrap(err, "could not join topic")
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return errors.Wrap(err, "could not subscribe to topic")
	}
	n.topic = topic
	n.sub = sub
	go n.listen(sub, handler)

	n.connectPeers()
	go n.ensureConnections()

	n.logger.Info("listening on session topic", fields.Topic(name), fields.Era(era))
	return nil
}

// connectPeers dials the configured operators that are not connected yet.
func (n *Network) connectPeers() {
	for _, addr := range n.peers {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if err := n.Connect(n.ctx, addr); err != nil {
			n.logger.Warn("could not connect to peer", zap.String("address", addr), zap.Error(err))
		}
	}
}

// ensureConnections keeps re-dialing the static peers. Operators boot at
// different times, so the dial round at startup usually misses somebody.
func (n *Network) ensureConnections() {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.connectPeers()
		}
	}
}

// Broadcast publishes an encoded signed message to the session topic.
func (n *Network) Broadcast(ctx context.Context, data []byte) error {
	if n.topic == nil {
		return errors.New("not started")
	}
	ctx, done := context.WithTimeout(ctx, n.publishTimeout)
	defer done()
	if err := n.topic.Publish(ctx, data); err != nil {
		return errors.Wrap(err, "could not publish message")
	}
	return nil
}

// Connect dials a committee operator given its full multiaddr.
func (n *Network) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return errors.Wrap(err, "invalid multiaddr")
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return errors.Wrap(err, "could not parse peer info")
	}
	ctx, done := context.WithTimeout(ctx, connectTimeout)
	defer done()
	return n.host.Connect(ctx, *info)
}

func (n *Network) listen(sub *pubsub.Subscription, handler EventHandler) {
	logger := n.logger.With(fields.Topic(sub.Topic()))
	logger.Debug("start listening to topic")
	for n.ctx.Err() == nil {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) || errors.Is(err, pubsub.ErrTopicClosed) {
				logger.Debug("stop listening to topic")
				return
			}
			logger.Warn("could not read message from subscription", zap.Error(err))
			continue
		}
		// own broadcasts come back through the local router; the node
		// already echoed what it needs
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		event, ok := msg.ValidatorData.(dkg.Event)
		if !ok {
			logger.Warn("accepted message without decoded event")
			continue
		}
		handler(event)
	}
}

// PeerID returns the host's identity on the wire.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// Multiaddrs returns the host's listen addresses with the peer identity
// attached, in the form the Peers option of other operators expects.
func (n *Network) Multiaddrs() ([]string, error) {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		return nil, errors.Wrap(err, "could not build p2p addrs")
	}
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out, nil
}

// Peers returns the peers currently seen on the session topic.
func (n *Network) Peers() []peer.ID {
	if n.topic == nil {
		return nil
	}
	return n.topic.ListPeers()
}

// Close tears down the subscription, the topic and the host.
func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		if n.sub != nil {
			n.sub.Cancel()
		}
		if n.topic != nil {
			_ = n.ps.UnregisterTopicValidator(n.topic.String())
			_ = n.topic.Close()
		}
		n.closeErr = n.host.Close()
	})
	return n.closeErr
}
