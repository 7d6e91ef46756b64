package storage

import "context"

// ChainStore is the durability contract BlockStore drives: persist and
// retrieve committed blocks by height, and track the chain's head. It is
// shaped directly around the consensus domain's own addressing (height,
// encoded block payload) rather than a generic byte-keyed KV surface,
// since nothing above this layer ever stores anything but a committed
// block or the head marker.
type ChainStore interface {
	// PutBlock persists the encoded proposal committed at height.
	PutBlock(ctx context.Context, height uint64, payload []byte) error

	// GetBlock returns the encoded proposal committed at height, or
	// ok=false if nothing has been committed there yet.
	GetBlock(ctx context.Context, height uint64) (payload []byte, ok bool, err error)

	// SetHead advances the recorded highest committed height.
	SetHead(ctx context.Context, height uint64) error

	// Head returns the highest committed height, or 0 if nothing has
	// been committed yet.
	Head(ctx context.Context) (uint64, error)

	// Close releases the store's resources.
	Close() error
}
