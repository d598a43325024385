package logging

const (
	NameDKGNode          = "DKGNode"
	NameMessageValidator = "MessageValidator"
	NameMetricsHandler   = "MetricsHandler"
	NameP2PNetwork       = "P2PNetwork"
	NameSessionStore     = "SessionStore"
	NameStateMachine     = "StateMachine"

	NameBadgerDBLog  = "BadgerDBLog"
	NamePebbleDBLog  = "PebbleDBLog"
	NameGenerateKeys = "GenerateKeys"
)
