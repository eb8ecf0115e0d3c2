// Package dirbackend implements backend.Backend over a local directory,
// one file per key. Writes are published via the teacher's
// temp-file-then-rename idiom (internal/config/file's Store.flush and
// internal/chunk/file's compressFile both do this) so a crash mid-write
// never leaves a torn file visible under the real key name.
package dirbackend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// ParamDir names the directory parameter understood by Factory.
const ParamDir = "dir"

// DefaultFileMode is applied to every key file written by Backend.
const DefaultFileMode = 0o644

// Backend stores each key as a file named by a filesystem-safe encoding
// of the key under Dir.
type Backend struct {
	dir  string
	mode os.FileMode
}

// New returns a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierr.New("dirbackend.New", apierr.KindIO, err)
	}
	return &Backend{dir: dir, mode: DefaultFileMode}, nil
}

// Factory adapts New to backend.Factory, reading ParamDir from params.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	dir, ok := params[ParamDir]
	if !ok || dir == "" {
		return nil, apierr.New("dirbackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamDir))
	}
	return New(dir)
}

func (b *Backend) path(key string) string {
	return filepath.Join(b.dir, encodeKey(key))
}

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	target := b.path(key)
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return apierr.New("dirbackend.Write", apierr.KindIO, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(value); err != nil {
		cleanup()
		return apierr.New("dirbackend.Write", apierr.KindIO, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return apierr.New("dirbackend.Write", apierr.KindIO, err)
	}
	if err := tmp.Chmod(b.mode); err != nil {
		cleanup()
		return apierr.New("dirbackend.Write", apierr.KindIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apierr.New("dirbackend.Write", apierr.KindIO, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return apierr.New("dirbackend.Write", apierr.KindIO, err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New("dirbackend.Read", apierr.KindNotFound, err)
		}
		return nil, apierr.New("dirbackend.Read", apierr.KindIO, err)
	}
	return data, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return apierr.New("dirbackend.Remove", apierr.KindIO, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, apierr.New("dirbackend.List", apierr.KindIO, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			continue // skip temp files from in-flight writes
		}
		keys = append(keys, decodeKey(name))
	}
	return keys, nil
}

func (b *Backend) Close() error { return nil }

// encodeKey maps a backend key (typically a hex block_id or a reserved
// name like "super") to a safe file name. Block keys contain a path
// separator ("block/<hex>"), so the key is path-escaped: every key maps
// to one file directly under Dir, and decodeKey restores it exactly.
func encodeKey(key string) string {
	return "k_" + url.PathEscape(key)
}

func decodeKey(name string) string {
	if len(name) > 2 && name[0] == 'k' && name[1] == '_' {
		if key, err := url.PathUnescape(name[2:]); err == nil {
			return key
		}
		return name[2:]
	}
	return name
}
