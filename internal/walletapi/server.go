// Package walletapi is the out-of-scope REST surface spec.md names: a
// thin query layer that reads committed consensus state and answers
// Merkle-proof requests over it, modeled on the original cryptocurrency
// demo's wallet_info endpoint (block proof + proof of one key's
// membership in that height's state tree). It never participates in
// consensus; it is wired to a read-only snapshot taken between event
// loop iterations (see internal/consensus's "State ownership" note)
// and to the block-storage collaborator for historical lookups.
package walletapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/rechain/rechain/internal/consensus"
	"github.com/rechain/rechain/pkg/merkle"
)

// Blocks is the read side of the block-storage collaborator.
type Blocks interface {
	Block(ctx context.Context, height uint64) (*consensus.Propose, bool, error)
	Head(ctx context.Context) (uint64, error)
}

// StateSnapshot is a point-in-time view of wallet state, published
// between consensus event-loop iterations so the query path never races
// a handler (§9 "State ownership").
type StateSnapshot struct {
	Height uint64
	Data   map[string][]byte
}

// SnapshotSource supplies the latest published StateSnapshot.
type SnapshotSource interface {
	Snapshot() StateSnapshot
}

// SnapshotHolder is the simplest possible SnapshotSource: an
// RWMutex-guarded snapshot that whatever commits blocks calls Publish
// on. Transaction execution is a Non-goal, so nothing in this repo
// populates Data beyond what a caller chooses to publish; the wiring
// exists so the query surface has somewhere real to read from.
type SnapshotHolder struct {
	mu   sync.RWMutex
	snap StateSnapshot
}

// NewSnapshotHolder creates an empty SnapshotSource.
func NewSnapshotHolder() *SnapshotHolder {
	return &SnapshotHolder{}
}

// Publish installs a new snapshot, replacing whatever was visible before.
func (h *SnapshotHolder) Publish(snap StateSnapshot) {
	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()
}

func (h *SnapshotHolder) Snapshot() StateSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Server is the wallet query API: block lookups plus Merkle-proof
// lookups over the latest published state snapshot.
type Server struct {
	blocks   Blocks
	snapshot SnapshotSource

	httpServer *http.Server
	router     *mux.Router
}

// NewServer builds a Server over a block-storage collaborator and a
// snapshot source. Neither is mutated by this package.
func NewServer(blocks Blocks, snapshot SnapshotSource) *Server {
	s := &Server{
		blocks:   blocks,
		snapshot: snapshot,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

// Start serves the API on addr until Stop is called or ListenAndServe
// fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	log.Printf("walletapi: listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the API server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/blocks/latest", s.handleLatestBlock).Methods("GET")
	s.router.HandleFunc("/blocks/{height:[0-9]+}", s.handleBlock).Methods("GET")
	s.router.HandleFunc("/state/{key}", s.handleState).Methods("GET")
	s.router.HandleFunc("/state/{key}/proof", s.handleStateProof).Methods("GET")
}

func (s *Server) respond(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("walletapi: encode response: %v", err)
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, err error, status int) {
	s.respond(w, map[string]string{"error": err.Error()}, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot.Snapshot()
	s.respond(w, map[string]interface{}{
		"status": "ok",
		"height": snap.Height,
	}, http.StatusOK)
}

func blockView(height uint64, p *consensus.Propose) map[string]interface{} {
	hash := p.Hash()
	return map[string]interface{}{
		"height":      height,
		"round":       p.Round,
		"hash":        hex.EncodeToString(hash[:]),
		"prev_hash":   hex.EncodeToString(p.PrevHash[:]),
		"proposer":    hex.EncodeToString(p.PubKey[:]),
		"payload_ref": hex.EncodeToString(p.PayloadRef),
		"timestamp":   time.Unix(p.TimeSec, int64(p.TimeNsec)).UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	head, err := s.blocks.Head(ctx)
	if err != nil {
		s.fail(w, fmt.Errorf("read head: %w", err), http.StatusInternalServerError)
		return
	}
	if head == 0 {
		s.respond(w, map[string]string{"message": "no blocks committed yet"}, http.StatusOK)
		return
	}
	p, ok, err := s.blocks.Block(ctx, head)
	if err != nil {
		s.fail(w, fmt.Errorf("read block %d: %w", head, err), http.StatusInternalServerError)
		return
	}
	if !ok {
		s.fail(w, fmt.Errorf("head %d missing from storage", head), http.StatusInternalServerError)
		return
	}
	s.respond(w, blockView(head, p), http.StatusOK)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	heightStr := mux.Vars(r)["height"]
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		s.fail(w, err, http.StatusBadRequest)
		return
	}
	p, ok, err := s.blocks.Block(r.Context(), height)
	if err != nil {
		s.fail(w, fmt.Errorf("read block %d: %w", height, err), http.StatusInternalServerError)
		return
	}
	if !ok {
		s.fail(w, fmt.Errorf("block %d not found", height), http.StatusNotFound)
		return
	}
	s.respond(w, blockView(height, p), http.StatusOK)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	snap := s.snapshot.Snapshot()
	value, ok := snap.Data[key]
	if !ok {
		s.fail(w, fmt.Errorf("key %q not found at height %d", key, snap.Height), http.StatusNotFound)
		return
	}
	s.respond(w, map[string]interface{}{
		"height": snap.Height,
		"key":    key,
		"value":  hex.EncodeToString(value),
	}, http.StatusOK)
}

// handleStateProof answers a Merkle-proof query over the snapshot, in
// the shape of the original cryptocurrency demo's wallet_info endpoint:
// a block proof (the height the snapshot was taken at) plus a proof of
// the specific key's membership in that height's state tree.
func (s *Server) handleStateProof(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	snap := s.snapshot.Snapshot()
	if len(snap.Data) == 0 {
		s.fail(w, fmt.Errorf("no state at height %d", snap.Height), http.StatusNotFound)
		return
	}

	tree, err := merkle.NewTree(snap.Data)
	if err != nil {
		s.fail(w, fmt.Errorf("build state tree: %w", err), http.StatusInternalServerError)
		return
	}

	value, ok := tree.Get([]byte(key))
	if !ok {
		s.fail(w, fmt.Errorf("key %q not found at height %d", key, snap.Height), http.StatusNotFound)
		return
	}

	proof, err := tree.GetProof([]byte(key))
	if err != nil {
		s.fail(w, fmt.Errorf("build proof: %w", err), http.StatusInternalServerError)
		return
	}

	s.respond(w, map[string]interface{}{
		"height":    snap.Height,
		"root_hash": tree.RootHash(),
		"key":       key,
		"value":     hex.EncodeToString(value),
		"proof":     proof,
	}, http.StatusOK)
}
