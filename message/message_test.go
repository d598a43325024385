package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dvlabs/dkg/operator/keys"
)

func TestSignVerify(t *testing.T) {
	privKey, err := keys.GenerateKey()
	require.NoError(t, err)

	msg := Message{MsgType: Round1MsgType, Data: []byte(`{"session":{"era":7}}`)}
	signed, err := Sign(msg, privKey)
	require.NoError(t, err)
	require.Equal(t, privKey.Address(), signed.Signer)
	require.NoError(t, signed.Verify())

	encoded, err := signed.Encode()
	require.NoError(t, err)

	decoded := &SignedMessage{}
	require.NoError(t, decoded.Decode(encoded))
	require.NoError(t, decoded.Verify())
	require.Equal(t, signed.Signer, decoded.Signer)
	require.Equal(t, msg.MsgType, decoded.Message.MsgType)
}

func TestVerifyRejectsForgedSigner(t *testing.T) {
	privKey, err := keys.GenerateKey()
	require.NoError(t, err)
	other, err := keys.GenerateKey()
	require.NoError(t, err)

	signed, err := Sign(Message{MsgType: ComplaintMsgType, Data: []byte("payload")}, privKey)
	require.NoError(t, err)

	signed.Signer = other.Address()
	require.Error(t, signed.Verify())
}

func TestDigestBindsTypeAndData(t *testing.T) {
	a := Message{MsgType: Round1MsgType, Data: []byte("payload")}
	b := Message{MsgType: Round2MsgType, Data: []byte("payload")}
	c := Message{MsgType: Round1MsgType, Data: []byte("other")}
	same := Message{MsgType: Round1MsgType, Data: []byte("payload")}

	require.NotEqual(t, a.Digest(), b.Digest())
	require.NotEqual(t, a.Digest(), c.Digest())
	require.Equal(t, a.Digest(), same.Digest())
}

func TestMsgTypeString(t *testing.T) {
	cases := map[MsgType]string{
		Round1MsgType:         "round1",
		Round2MsgType:         "round2",
		ComplaintMsgType:      "complaint",
		JustificationMsgType:  "justification",
		Round2CulpritsMsgType: "round2_culprits",
		MsgType(42):           "unknown",
	}
	for msgType, want := range cases {
		require.Equal(t, want, msgType.String())
	}
}
