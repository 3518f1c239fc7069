package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"encoding/json"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/crdtdoc"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/remote"
	"github.com/stretchr/testify/require"
)

type fakePush struct{ ref string }

func (f *fakePush) EnsureConnection(ctx context.Context, wsBaseURL string) error { return nil }
func (f *fakePush) PushRef() string                                              { return f.ref }

type fakeTypes struct{ defs map[string][]byte }

func (f *fakeTypes) NodeType(key string) ([]byte, bool) {
	v, ok := f.defs[key]
	return v, ok
}

func TestExecuteWorkflowSelectsWhitelistedTrigger(t *testing.T) {
	var capturedHeader string
	var capturedBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedHeader = r.Header.Get("push-ref")
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"executionId": "exec-1"},
		})
	}))
	defer srv.Close()

	entry := &docregistry.Entry{DocID: "wf1", Doc: crdtdoc.New()}
	entry.LocalMirror = map[string]interface{}{
		"id":   "wf1",
		"name": "My Flow",
		"nodes": map[string]interface{}{
			"A": map[string]interface{}{"name": "A", "type": "httpRequest", "typeVersion": 1.0},
			"B": map[string]interface{}{"name": "B", "type": "manualTrigger", "typeVersion": 1.0},
		},
		"connections": map[string]interface{}{},
		"settings":    map[string]interface{}{},
		"pinData":     map[string]interface{}{},
	}

	registry := docregistry.New()
	registry.GetOrCreate("wf1", docregistry.ModeLocal)
	got, _ := registry.Get("wf1")
	got.LocalMirror = entry.LocalMirror

	e := New(registry, &fakePush{ref: "R"}, &fakeTypes{}, remote.New(), coordlog.New("error", "text"))
	executionID, err := e.ExecuteWorkflow(context.Background(), "wf1", srv.URL, "ws://irrelevant", "")
	require.NoError(t, err)
	require.Equal(t, "exec-1", executionID)
	require.Equal(t, "R", capturedHeader)
	require.Equal(t, "B", capturedBody["triggerToStartFrom"].(map[string]interface{})["name"])
}

func TestExecuteWorkflowFailsWithoutMirror(t *testing.T) {
	registry := docregistry.New()
	e := New(registry, &fakePush{ref: "R"}, &fakeTypes{}, remote.New(), coordlog.New("error", "text"))
	_, err := e.ExecuteWorkflow(context.Background(), "missing", "http://h", "ws://h", "")
	require.ErrorIs(t, err, ErrNoMirror)
}

func TestExecuteWorkflowFailsWithoutTrigger(t *testing.T) {
	registry := docregistry.New()
	registry.GetOrCreate("wf1", docregistry.ModeLocal)
	got, _ := registry.Get("wf1")
	got.LocalMirror = map[string]interface{}{
		"nodes": map[string]interface{}{
			"A": map[string]interface{}{"type": "httpRequest", "typeVersion": 1.0},
		},
	}

	e := New(registry, &fakePush{ref: "R"}, &fakeTypes{}, remote.New(), coordlog.New("error", "text"))
	_, err := e.ExecuteWorkflow(context.Background(), "wf1", "http://h", "ws://h", "")
	require.ErrorIs(t, err, ErrNoTrigger)
}
