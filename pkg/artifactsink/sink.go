// Package artifactsink mirrors persisted experiment files to secondary
// storage.
//
// Mirroring is best-effort from the caller's point of view: the local
// results tree stays the source of truth, and a failed upload never changes
// trial state.
package artifactsink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Sentinel errors for sink operations.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Sink receives artifact files keyed by slash-separated relative paths.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Nop discards everything.
type Nop struct{}

// Put implements Sink.
func (Nop) Put(context.Context, string, []byte) error { return nil }

// SinkError wraps a failed Put with context.
type SinkError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *SinkError) Error() string {
	if e.Bucket == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// MirrorFiles copies files from src to sink. Keys are the file paths
// relative to root. Missing files are skipped.
func MirrorFiles(ctx context.Context, sink Sink, src afero.Fs, root string, paths ...string) (int, error) {
	n := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, err := afero.ReadFile(src, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return n, fmt.Errorf("read %s: %w", p, err)
		}
		key, err := relKey(root, p)
		if err != nil {
			return n, err
		}
		if err := sink.Put(ctx, key, data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MirrorDir copies every regular file under dir.
func MirrorDir(ctx context.Context, sink Sink, src afero.Fs, root, dir string) (int, error) {
	var paths []string
	err := afero.Walk(src, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && !strings.HasPrefix(info.Name(), ".") {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	return MirrorFiles(ctx, sink, src, root, paths...)
}

func relKey(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("relative key for %s: %w", p, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", p, root)
	}
	return rel, nil
}

// FsSink writes artifacts under Dir on an afero filesystem.
type FsSink struct {
	Fs  afero.Fs
	Dir string
}

// Put implements Sink.
func (s FsSink) Put(_ context.Context, key string, data []byte) error {
	target := filepath.Join(s.Dir, filepath.FromSlash(path.Clean("/" + key)))
	// #nosec G301 -- mirror directories use 0755 like the results tree
	if err := s.Fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &SinkError{Op: "Put", Key: key, Err: err}
	}
	if err := afero.WriteFile(s.Fs, target, data, 0644); err != nil {
		return &SinkError{Op: "Put", Key: key, Err: err}
	}
	return nil
}
