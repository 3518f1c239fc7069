package docchannel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Type: MessageSync, DocID: "wf-1", Payload: []byte(`{"nodes":{}}`)},
		{Type: MessageSubscribe, DocID: "exec-wf-1", Payload: []byte("ws://example/room")},
		{Type: MessageInitialSync, DocID: "wf-1", Payload: nil},
		{Type: MessageUnsubscribe, DocID: "", Payload: nil},
	}

	for _, c := range cases {
		raw, err := Encode(c)
		require.NoError(t, err)

		decoded, err := Decode(raw)
		require.NoError(t, err)

		require.Equal(t, c.Type, decoded.Type)
		require.Equal(t, c.DocID, decoded.DocID)
		require.Equal(t, c.Payload, decoded.Payload)
	}
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	_, err := Decode([]byte{1, 0})
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedDocID(t *testing.T) {
	raw := []byte{byte(MessageSync), 0, 10, 'a', 'b'}
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "SYNC", MessageSync.String())
	require.Equal(t, "UNKNOWN", MessageType(99).String())
}
