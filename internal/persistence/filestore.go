package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

const fileExt = ".dfck"

// FileStore keeps checkpoints as files under root/<run id>/<iteration>.dfck.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) runDir(runID string) (string, error) {
	if !utils.ValidRunID(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.root, runID), nil
}

func checkpointName(iteration int32) string {
	return fmt.Sprintf("%010d%s", iteration, fileExt)
}

func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.runDir(cp.RunID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return WriteFile(filepath.Join(dir, checkpointName(cp.Iteration)), cp)
}

func (s *FileStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	iters, err := s.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(iters) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return s.Load(ctx, runID, iters[len(iters)-1])
}

func (s *FileStore) Load(ctx context.Context, runID string, iteration int32) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	cp, err := ReadFile(filepath.Join(dir, checkpointName(iteration)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("run %s iteration %d: %w", runID, iteration, ErrNotFound)
	}
	return cp, err
}

func (s *FileStore) List(ctx context.Context, runID string) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var iters []int32
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if !ok || e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(name, 10, 32)
		if err != nil {
			continue
		}
		iters = append(iters, int32(n))
	}
	slices.Sort(iters)
	return iters, nil
}

// Runs returns the run ids that have a checkpoint directory.
func (s *FileStore) Runs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() && utils.ValidRunID(e.Name()) {
			runs = append(runs, e.Name())
		}
	}
	return runs, nil
}

func (s *FileStore) Close() error { return nil }

// WriteFile encodes cp and atomically replaces path with it.
func WriteFile(path string, cp *Checkpoint) (err error) {
	blob, err := Encode(cp)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				multierr.AppendInto(&err, tmp.Close())
			}
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				multierr.AppendInto(&err, rmErr)
			}
		}
	}()
	if _, err = tmp.Write(blob); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// ReadFile reads and decodes a checkpoint file.
func ReadFile(path string) (*Checkpoint, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return Decode(blob)
}
