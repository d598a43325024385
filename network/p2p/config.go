package p2p

import (
	"context"
	"time"
)

// Options describe the transport configuration of one operator.
type Options struct {
	Ctx context.Context

	ListenAddresses   []string      `yaml:"ListenAddresses" env:"P2P_LISTEN_ADDRESSES" env-separator:"," env-default:"/ip4/0.0.0.0/tcp/13100" env-description:"Multiaddrs the host listens on"`
	Peers             []string      `yaml:"Peers" env:"P2P_PEERS" env-separator:"," env-description:"Multiaddrs of the other committee operators, including their peer identity"`
	NetworkPrivateKey string        `yaml:"NetworkPrivateKey" env:"NETWORK_PRIVATE_KEY" env-description:"Hex secp256k1 key for the network identity, random when empty"`
	PublishTimeout    time.Duration `yaml:"PublishTimeout" env:"P2P_PUBLISH_TIMEOUT" env-default:"5s" env-description:"Maximum time to wait for a broadcast to be routed"`
}
