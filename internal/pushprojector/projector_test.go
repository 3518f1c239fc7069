package pushprojector

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"context"

	"github.com/gorilla/websocket"
	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func TestProjectorProjectsExecutionLifecycle(t *testing.T) {
	frames := []string{
		`{"type":"executionStarted","workflowId":"wf1","executionId":"e1","mode":"manual","startedAt":"2026-01-01T00:00:00Z"}`,
		`{"type":"nodeExecuteBefore","workflowId":"wf1","nodeName":"A","executionIndex":0,"startTime":1,"source":[]}`,
		`{"type":"nodeExecuteAfterData","workflowId":"wf1","nodeName":"A","executionIndex":0,"executionTime":5,"executionStatus":"success","data":{"x":1},"itemCountByConnectionType":{"main":[2]}}`,
		`{"type":"executionFinished","workflowId":"wf1","status":"success","finishedAt":"2026-01-01T00:00:05Z"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	registry := docregistry.New()
	wfEntry, _ := registry.GetOrCreate("wf1", docregistry.ModeLocal)
	_, err := wfEntry.Doc.Transact(func(data map[string]interface{}) error {
		data["nodes"] = map[string]interface{}{
			"n1": map[string]interface{}{"name": "A"},
		}
		data["edges"] = map[string]interface{}{
			"e1": map[string]interface{}{
				"source":       "A",
				"target":       "B",
				"sourceHandle": "outputs/main/0",
				"targetHandle": "inputs/main/0",
			},
		}
		return nil
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var syncCount int
	broadcast := func(docID string, env docchannel.Envelope) {
		mu.Lock()
		if env.Type == docchannel.MessageSync {
			syncCount++
		}
		mu.Unlock()
	}

	var resolveCalledFor string
	p := New(wsURL, registry, broadcast, coordlog.New("error", "text"))
	p.OnNodeExecuteAfterData = func(workflowID string) { resolveCalledFor = workflowID }

	require.NoError(t, p.EnsureConnection(context.Background(), wsURL))

	require.Eventually(t, func() bool {
		entry, ok := registry.Get("exec-wf1")
		if !ok {
			return false
		}
		raw, err := entry.Doc.State()
		require.NoError(t, err)
		return strings.Contains(string(raw), `"success"`) && strings.Contains(string(raw), `"executionTime"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "wf1", resolveCalledFor)

	entry, _ := registry.Get("exec-wf1")
	raw, err := entry.Doc.State()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"totalItems":2`)
	require.Contains(t, string(raw), `"nodeIndex":{"n1":"A"}`)
	require.NotContains(t, string(raw), `"startedAt":"2026`)
}

func TestEnsureConnectionIsIdempotent(t *testing.T) {
	var dialCount int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	registry := docregistry.New()
	p := New(wsURL, registry, func(string, docchannel.Envelope) {}, coordlog.New("error", "text"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.EnsureConnection(context.Background(), wsURL)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, dialCount)
}
