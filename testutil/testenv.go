package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rechain/rechain/internal/consensus"
	"github.com/rechain/rechain/internal/storage"
	"github.com/rechain/rechain/pkg/config"
)

// TestEnvironment manages the test environment for integration tests.
type TestEnvironment struct {
	T       *testing.T
	TempDir string
	Config  *config.Config
	Store   storage.ChainStore
	Blocks  *storage.BlockStore
}

// NewTestEnvironment creates a new test environment backed by a
// throwaway BadgerDB directory.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "consensusnode-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Node.DataDir = tempDir
	cfg.Storage.Path = filepath.Join(tempDir, "data")

	db, err := storage.NewBadgerStore(cfg.Storage.Path)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create BadgerDB store: %v", err)
	}

	return &TestEnvironment{
		T:       t,
		TempDir: tempDir,
		Config:  cfg,
		Store:   db,
		Blocks:  storage.NewBlockStore(db),
	}
}

// Close cleans up the test environment.
func (env *TestEnvironment) Close() {
	env.T.Helper()

	if env.Store != nil {
		if err := env.Store.Close(); err != nil {
			env.T.Logf("error closing store: %v", err)
		}
	}

	if env.TempDir != "" {
		if err := os.RemoveAll(env.TempDir); err != nil {
			env.T.Logf("error removing temp dir: %v", err)
		}
	}
}

// MustCommit commits proposal at height under hash, failing the test on
// error.
func (env *TestEnvironment) MustCommit(height uint64, hash consensus.Hash, proposal *consensus.Propose) {
	env.T.Helper()

	if err := env.Blocks.Commit(height, hash, proposal); err != nil {
		env.T.Fatalf("failed to commit block at height %d: %v", height, err)
	}
}

// MustBlockMissing verifies that no block has been committed at height.
func (env *TestEnvironment) MustBlockMissing(ctx context.Context, height uint64) {
	env.T.Helper()

	_, ok, err := env.Blocks.Block(ctx, height)
	if err != nil {
		env.T.Fatalf("failed to check block at height %d: %v", height, err)
	}
	if ok {
		env.T.Fatalf("block at height %d exists but should not", height)
	}
}
