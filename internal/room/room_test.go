package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/crdtdoc"
	"github.com/lyzr/tabcoord/internal/dispatch"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/peerreg"
	"github.com/lyzr/tabcoord/internal/remote"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	types map[string][]byte
}

func (f *fakeFetcher) FetchNodeTypes(ctx context.Context, baseURL string) (map[string][]byte, error) {
	return f.types, nil
}

type fakeWorker struct {
	stored map[string][]byte
}

func (f *fakeWorker) Exec(string) error                              { return nil }
func (f *fakeWorker) Query(string) ([]map[string]interface{}, error) { return nil, nil }
func (f *fakeWorker) QueryWithParams(string, []interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (f *fakeWorker) BulkUpsertNodeTypes(types map[string][]byte) error {
	f.stored = types
	return nil
}
func (f *fakeWorker) ListNodeTypes() (map[string][]byte, error) { return f.stored, nil }

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	peers := peerreg.New(nil)
	require.NoError(t, peers.Initialize(1, "http://h"))
	require.NoError(t, peers.Register("p1", &fakeWorker{}))

	d := dispatch.New(peers, &fakeFetcher{types: map[string][]byte{
		"set@1": []byte(`{"inputs":[{"type":"main"}],"outputs":[{"type":"main"}]}`),
	}}, coordlog.New("error", "text"))
	require.NoError(t, d.LoadNodeTypes(context.Background(), "http://remote"))
	return d
}

func TestSeedPopulatesDocumentAndMirror(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"id":   "wf1",
					"name": "My Workflow",
					"nodes": []map[string]interface{}{
						{"id": "n1", "name": "A", "type": "set", "typeVersion": 1.0, "parameters": map[string]interface{}{}},
					},
					"connections": map[string]interface{}{},
					"settings":    map[string]interface{}{},
					"pinData":     map[string]interface{}{},
				},
			})
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	entry := &docregistry.Entry{DocID: "wf1"}
	entry.Doc = crdtdoc.New()
	d := newTestDispatcher(t)
	client := remote.New()
	log := coordlog.New("error", "text")

	r := New(entry, client, d, nil, srv.URL, "wf1", 50*time.Millisecond, 10*time.Millisecond, log)
	require.NoError(t, r.Seed(context.Background()))

	require.True(t, entry.Seeded)
	state, err := entry.Doc.State()
	require.NoError(t, err)
	require.Contains(t, string(state), `"A"`)
	require.Contains(t, string(state), `"handles"`)

	mirrorNodes, ok := entry.LocalMirror["nodes"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, mirrorNodes, "n1")
}

func TestRenameNodeRewritesReferencesAndSchedulesSave(t *testing.T) {
	saved := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			select {
			case saved <- struct{}{}:
			default:
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	entry := &docregistry.Entry{DocID: "wf1"}
	entry.Doc = crdtdoc.New()
	_, err := entry.Doc.Transact(func(data map[string]interface{}) error {
		data["nodes"] = map[string]interface{}{
			"B": map[string]interface{}{
				"parameters": map[string]interface{}{
					"url": `={{ $node("A").json.x }}`,
				},
			},
		}
		return nil
	})
	require.NoError(t, err)

	d := newTestDispatcher(t)
	r := New(entry, remote.New(), d, nil, srv.URL, "wf1", 10*time.Millisecond, 10*time.Millisecond, coordlog.New("error", "text"))

	count, err := r.RenameNode("A", "Z")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	select {
	case <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("expected debounced save to fire")
	}
}
