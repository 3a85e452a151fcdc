package persistence

import (
	"context"
	"errors"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// ErrNotFound is returned when a store holds no checkpoint for a run.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoint blobs per run. Saves are atomic: a failed Save
// leaves previously stored checkpoints readable.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// Latest returns the checkpoint with the highest iteration for a run.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	Load(ctx context.Context, runID string, iteration int32) (*Checkpoint, error)
	// List returns the stored iterations of a run in ascending order.
	List(ctx context.Context, runID string) ([]int32, error)
	Close() error
}

// Open returns the store of the given kind ("file" or "sqlite") at path.
func Open(ctx context.Context, kind, path string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(path)
	case "sqlite":
		return OpenSQLite(ctx, path)
	default:
		return nil, models.Configf("checkpoint.store", "unknown store %q", kind)
	}
}
