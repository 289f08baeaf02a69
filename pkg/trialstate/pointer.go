package trialstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const pointerFile = "current_experiment.json"

// PointerPath returns the location of the resumption pointer under root.
func PointerPath(root string) string {
	return filepath.Join(root, pointerFile)
}

// CurrentPointer reads the resumption pointer. It returns
// ErrNoCurrentExperiment when none is set.
func CurrentPointer(cfg Config) (*Pointer, error) {
	cfg = cfg.withDefaults()
	var ptr Pointer
	if err := readJSON(cfg.Fs, PointerPath(cfg.Root), &ptr); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCurrentExperiment
		}
		return nil, err
	}
	if ptr.ExperimentID == "" {
		return nil, fmt.Errorf("%w: pointer has no experiment_id", ErrCorruptState)
	}
	return &ptr, nil
}

// Resume opens the experiment named by the resumption pointer.
func Resume(ctx context.Context, cfg Config) (*Store, error) {
	ptr, err := CurrentPointer(cfg)
	if err != nil {
		return nil, err
	}
	return Open(ctx, cfg, ptr.ExperimentID)
}

// ensurePointer writes the pointer for this experiment unless it is already
// in place. Caller holds s.mu.
func (s *Store) ensurePointer() error {
	if s.pointerSet {
		return nil
	}
	if ptr, err := CurrentPointer(s.cfg); err == nil && ptr.ExperimentID == s.exp.ID {
		s.pointerSet = true
		return nil
	}
	ptr := Pointer{ExperimentID: s.exp.ID, Root: s.cfg.Root, UpdatedAt: s.cfg.Now().UTC()}
	if err := writeJSON(s.cfg.Fs, PointerPath(s.cfg.Root), ptr); err != nil {
		return fmt.Errorf("write resumption pointer: %w", err)
	}
	s.pointerSet = true
	return nil
}

// clearPointer removes the pointer if it names this experiment. Caller holds
// s.mu.
func (s *Store) clearPointer() error {
	ptr, err := CurrentPointer(s.cfg)
	if errors.Is(err, ErrNoCurrentExperiment) {
		s.pointerSet = false
		return nil
	}
	if err != nil {
		return err
	}
	if ptr.ExperimentID != s.exp.ID {
		return nil
	}
	if err := s.cfg.Fs.Remove(PointerPath(s.cfg.Root)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear resumption pointer: %w", err)
	}
	s.pointerSet = false
	return nil
}
