package broadcast

import (
	"testing"

	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	received [][]byte
}

func (r *recordingSender) Send(payload []byte) bool {
	r.received = append(r.received, payload)
	return true
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	f := New()
	a := &recordingSender{}
	b := &recordingSender{}
	f.Subscribe("doc1", "peerA", a)
	f.Subscribe("doc1", "peerB", b)

	err := f.Broadcast(docchannel.Envelope{Type: docchannel.MessageSync, DocID: "doc1", Payload: []byte("x")}, "peerA")
	require.NoError(t, err)

	require.Empty(t, a.received)
	require.Len(t, b.received, 1)
}

func TestUnsubscribeRemovesPeer(t *testing.T) {
	f := New()
	a := &recordingSender{}
	f.Subscribe("doc1", "peerA", a)
	f.Unsubscribe("doc1", "peerA")

	require.Equal(t, 0, f.Subscribers("doc1"))
	require.NoError(t, f.Broadcast(docchannel.Envelope{Type: docchannel.MessageSync, DocID: "doc1"}, ""))
}

func TestUnsubscribeAllRemovesFromEveryDocument(t *testing.T) {
	f := New()
	a := &recordingSender{}
	f.Subscribe("doc1", "peerA", a)
	f.Subscribe("doc2", "peerA", a)

	f.UnsubscribeAll("peerA")

	require.Equal(t, 0, f.Subscribers("doc1"))
	require.Equal(t, 0, f.Subscribers("doc2"))
}

func TestUnsubscribeUnknownDocumentIsNoOp(t *testing.T) {
	f := New()
	require.NotPanics(t, func() {
		f.Unsubscribe("missing", "peerA")
	})
}
