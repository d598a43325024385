package validation

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/message"
)

func (mv *messageValidator) validateSelf(pmsg *pubsub.Message) pubsub.ValidationResult {
	signedMsg := &message.SignedMessage{}
	if err := signedMsg.Decode(pmsg.GetData()); err != nil {
		mv.logger.Error("failed to decode own signed message", zap.Error(err))
		return pubsub.ValidationReject
	}

	event, _, err := decodeEvent(signedMsg)
	if err != nil {
		mv.logger.Error("failed to decode own payload", zap.Error(err))
		return pubsub.ValidationReject
	}

	pmsg.ValidatorData = event
	return pubsub.ValidationAccept
}
