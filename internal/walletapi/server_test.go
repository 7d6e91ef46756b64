package walletapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechain/rechain/internal/consensus"
)

// fakeBlocks is an in-memory Blocks collaborator for exercising the
// handlers without a real BadgerDB-backed store.
type fakeBlocks struct {
	byHeight map[uint64]*consensus.Propose
	head     uint64
}

func (f *fakeBlocks) Block(ctx context.Context, height uint64) (*consensus.Propose, bool, error) {
	p, ok := f.byHeight[height]
	return p, ok, nil
}

func (f *fakeBlocks) Head(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func newTestServer() (*Server, *fakeBlocks, *SnapshotHolder) {
	blocks := &fakeBlocks{byHeight: map[uint64]*consensus.Propose{}}
	snapshots := NewSnapshotHolder()
	return NewServer(blocks, snapshots), blocks, snapshots
}

func TestHandleHealthReportsSnapshotHeight(t *testing.T) {
	s, _, snapshots := newTestServer()
	snapshots.Publish(StateSnapshot{Height: 7, Data: map[string][]byte{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 7, body["height"])
}

func TestHandleLatestBlockEmptyChain(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/blocks/latest", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no blocks committed yet")
}

func TestHandleBlockNotFound(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/blocks/5", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBlockFound(t *testing.T) {
	s, blocks, _ := newTestServer()
	priv, pub := consensus.GenerateKeypair()
	p, err := consensus.SignPropose(priv, pub, 1, 0, 0, 0, consensus.Hash{}, []byte("ref"))
	require.NoError(t, err)
	blocks.byHeight[1] = p
	blocks.head = 1

	req := httptest.NewRequest(http.MethodGet, "/blocks/1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["height"])
}

func TestHandleStateKeyNotFound(t *testing.T) {
	s, _, snapshots := newTestServer()
	snapshots.Publish(StateSnapshot{Height: 3, Data: map[string][]byte{}})

	req := httptest.NewRequest(http.MethodGet, "/state/missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStateKeyFound(t *testing.T) {
	s, _, snapshots := newTestServer()
	snapshots.Publish(StateSnapshot{Height: 3, Data: map[string][]byte{"alice": []byte("100")}})

	req := httptest.NewRequest(http.MethodGet, "/state/alice", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["key"])
}

func TestHandleStateProofAgainstLiveTree(t *testing.T) {
	s, _, snapshots := newTestServer()
	snapshots.Publish(StateSnapshot{Height: 4, Data: map[string][]byte{
		"alice": []byte("100"),
		"bob":   []byte("50"),
	}})

	req := httptest.NewRequest(http.MethodGet, "/state/alice/proof", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["proof"])
	assert.NotEmpty(t, body["root_hash"])
}

func TestHandleStateProofEmptyTree(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/state/alice/proof", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
