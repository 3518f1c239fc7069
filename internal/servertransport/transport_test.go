package servertransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/crdtdoc"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func TestTransportAppliesSyncAndAnnouncesInitialSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		env, err := docchannel.Encode(docchannel.Envelope{
			Type:    docchannel.MessageSync,
			DocID:   "wf1",
			Payload: []byte(`{"nodes":{"A":{}}}`),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, env))

		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	entry := &docregistry.Entry{DocID: "wf1", Mode: docregistry.ModeServer, Doc: crdtdoc.New()}

	var mu sync.Mutex
	var seen []docchannel.MessageType
	broadcast := func(docID string, env docchannel.Envelope) {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
	}

	tr := New(entry, wsURL, 50*time.Millisecond, broadcast, coordlog.New("error", "text"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return containsType(seen, docchannel.MessageConnected) &&
			containsType(seen, docchannel.MessageSync) &&
			containsType(seen, docchannel.MessageInitialSync)
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, entry.Seeded)
	require.NotNil(t, entry.LocalMirror)
}

func containsType(types []docchannel.MessageType, want docchannel.MessageType) bool {
	for _, tpe := range types {
		if tpe == want {
			return true
		}
	}
	return false
}
