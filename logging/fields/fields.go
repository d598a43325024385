package fields

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldAddress    = "address"
	FieldComplainer = "complainer"
	FieldCount      = "count"
	FieldCulprits   = "culprits"
	FieldEra        = "era"
	FieldMsgType    = "msg_type"
	FieldOffender   = "offender"
	FieldPath       = "path"
	FieldPeerID     = "peer_id"
	FieldReason     = "reason"
	FieldSender     = "sender"
	FieldState      = "state"
	FieldTook       = "took"
	FieldTopic      = "topic"
	FieldValidators = "validators"
)

func Address(val common.Address) zapcore.Field {
	return zap.Stringer(FieldAddress, val)
}

func Complainer(val common.Address) zapcore.Field {
	return zap.Stringer(FieldComplainer, val)
}

func Count(val int) zapcore.Field {
	return zap.Int(FieldCount, val)
}

func Culprits(val int) zapcore.Field {
	return zap.Int(FieldCulprits, val)
}

func Era(val uint64) zapcore.Field {
	return zap.Uint64(FieldEra, val)
}

func MessageType(val fmt.Stringer) zapcore.Field {
	return zap.Stringer(FieldMsgType, val)
}

func Offender(val common.Address) zapcore.Field {
	return zap.Stringer(FieldOffender, val)
}

func Path(val string) zapcore.Field {
	return zap.String(FieldPath, val)
}

func PeerID(val peer.ID) zapcore.Field {
	return zap.Stringer(FieldPeerID, val)
}

func Reason(val string) zapcore.Field {
	return zap.String(FieldReason, val)
}

func Sender(val common.Address) zapcore.Field {
	return zap.Stringer(FieldSender, val)
}

func State(val fmt.Stringer) zapcore.Field {
	return zap.Stringer(FieldState, val)
}

func Took(val time.Duration) zapcore.Field {
	return zap.Duration(FieldTook, val)
}

func Topic(val string) zapcore.Field {
	return zap.String(FieldTopic, val)
}

func Validators(val int) zapcore.Field {
	return zap.Int(FieldValidators, val)
}
