package peerreg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDataWorker struct{ id string }

func (f *fakeDataWorker) Exec(sql string) error                              { return nil }
func (f *fakeDataWorker) Query(sql string) ([]map[string]interface{}, error) { return nil, nil }
func (f *fakeDataWorker) QueryWithParams(sql string, params []interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (f *fakeDataWorker) BulkUpsertNodeTypes(types map[string][]byte) error { return nil }
func (f *fakeDataWorker) ListNodeTypes() (map[string][]byte, error)         { return nil, nil }

func TestRegisterPromotesFirstPeerActive(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("p1", &fakeDataWorker{"p1"}))
	require.Equal(t, "p1", r.ActiveID())
	require.Equal(t, 1, r.Count())
}

func TestActivePeerFailsWithoutInitialization(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("p1", &fakeDataWorker{"p1"}))
	_, err := r.ActivePeer()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestActivePeerFailsWithNoPeers(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Initialize(1, "http://h"))
	_, err := r.ActivePeer()
	require.ErrorIs(t, err, ErrNoActivePeer)
}

func TestUnregisterReelectsDeterministically(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("p1", &fakeDataWorker{"p1"}))
	require.NoError(t, r.Register("p2", &fakeDataWorker{"p2"}))
	require.Equal(t, "p1", r.ActiveID())

	require.NoError(t, r.Unregister("p1"))
	require.Equal(t, "p2", r.ActiveID())
}

func TestUnregisterLastPeerRetainsState(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Initialize(7, "http://h"))
	require.NoError(t, r.Register("p1", &fakeDataWorker{"p1"}))
	require.NoError(t, r.Unregister("p1"))

	require.Equal(t, "", r.ActiveID())
	require.Equal(t, State{Version: 7, BaseURL: "http://h"}, r.StoredState())
}

func TestReplayInvokedOnReElection(t *testing.T) {
	var replayed []string
	r := New(func(p *Peer, s State) error {
		replayed = append(replayed, p.ID)
		return nil
	})
	require.NoError(t, r.Initialize(1, "http://h"))
	require.NoError(t, r.Register("p1", &fakeDataWorker{"p1"}))
	require.NoError(t, r.Register("p2", &fakeDataWorker{"p2"}))
	require.NoError(t, r.Unregister("p1"))

	require.Equal(t, []string{"p1", "p2"}, replayed)
}
