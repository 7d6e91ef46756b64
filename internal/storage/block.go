package storage

import (
	"context"
	"fmt"

	"github.com/rechain/rechain/internal/consensus"
)

// BlockStore persists committed blocks (height -> proposal) and the
// current committed height, satisfying consensus.Committer. It encodes
// and decodes consensus envelopes over a ChainStore so the consensus
// core never depends on a concrete database.
type BlockStore struct {
	store ChainStore
}

// NewBlockStore wraps an existing ChainStore as a block-storage
// collaborator.
func NewBlockStore(store ChainStore) *BlockStore {
	return &BlockStore{store: store}
}

// Commit persists the proposal committed at height under hash, and
// advances the recorded head height. It satisfies consensus.Committer.
func (b *BlockStore) Commit(height uint64, hash consensus.Hash, proposal *consensus.Propose) error {
	ctx := context.Background()
	env := &consensus.Envelope{Type: consensus.MsgPropose, Propose: proposal}
	payload, err := consensus.Encode(env)
	if err != nil {
		return fmt.Errorf("storage: encode block at height %d: %w", height, err)
	}

	if err := b.store.PutBlock(ctx, height, payload); err != nil {
		return fmt.Errorf("storage: persist block at height %d: %w", height, err)
	}
	if err := b.store.SetHead(ctx, height); err != nil {
		return fmt.Errorf("storage: advance head to height %d: %w", height, err)
	}
	return nil
}

// Block returns the proposal committed at height, if present.
func (b *BlockStore) Block(ctx context.Context, height uint64) (*consensus.Propose, bool, error) {
	raw, ok, err := b.store.GetBlock(ctx, height)
	if err != nil {
		return nil, false, fmt.Errorf("storage: get block at height %d: %w", height, err)
	}
	if !ok {
		return nil, false, nil
	}
	env, err := consensus.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("storage: decode block at height %d: %w", height, err)
	}
	return env.Propose, true, nil
}

// Head returns the highest committed height, or 0 if nothing has been
// committed yet.
func (b *BlockStore) Head(ctx context.Context) (uint64, error) {
	head, err := b.store.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: get head: %w", err)
	}
	return head, nil
}

// Close releases the underlying store's resources.
func (b *BlockStore) Close() error {
	return b.store.Close()
}
