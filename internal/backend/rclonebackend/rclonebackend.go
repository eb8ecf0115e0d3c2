// Package rclonebackend implements backend.Backend by shelling out to
// the rclone CLI (rclone rcat/cat/deletefile/lsf), giving this module
// access to every storage provider rclone supports (Google Drive,
// Dropbox, B2, and dozens more) without vendoring a client for each one.
// This is the one place in the module that reaches for os/exec: rclone
// remotes are configured in an rclone.conf this module has no reason to
// parse or reimplement, and rclone's own RPC/HTTP remote-control mode is
// overkill for a handful of single-file operations.
package rclonebackend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// Param names understood by Factory.
const (
	ParamRemote       = "remote"      // e.g. "mydrive:backups/acidstore"
	ParamRcloneBinary = "rclone_path" // defaults to "rclone" on $PATH
)

// Backend stores each key as a file named key under Remote, a path
// rclone understands (remote:path/to/dir).
type Backend struct {
	rclone string
	remote string
	logger *slog.Logger
}

// New returns a Backend addressing files under remote (an rclone
// remote:path spec) via the rclone binary at rclonePath.
func New(rclonePath, remote string, logger *slog.Logger) *Backend {
	if rclonePath == "" {
		rclonePath = "rclone"
	}
	return &Backend{rclone: rclonePath, remote: strings.TrimSuffix(remote, "/"), logger: logger}
}

// Factory adapts New to backend.Factory.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	remote, ok := params[ParamRemote]
	if !ok || remote == "" {
		return nil, apierr.New("rclonebackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamRemote))
	}
	return New(params[ParamRcloneBinary], remote, logger), nil
}

func (b *Backend) objectPath(key string) string {
	return b.remote + "/" + key
}

func (b *Backend) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.rclone, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("rclone %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	// rcat streams stdin to the destination as a single object write,
	// which is as close to single-key-atomic as rclone's remote-agnostic
	// interface gets; individual backends' own atomicity guarantees carry
	// through (e.g. S3 PUT, which rclone's s3 backend uses directly).
	if _, err := b.run(ctx, value, "rcat", b.objectPath(key)); err != nil {
		return apierr.New("rclonebackend.Write", apierr.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := b.run(ctx, nil, "cat", b.objectPath(key))
	if err != nil {
		if isNotFound(err) {
			return nil, apierr.New("rclonebackend.Read", apierr.KindNotFound, err)
		}
		return nil, apierr.New("rclonebackend.Read", apierr.KindBackendUnavailable, err)
	}
	return out, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if _, err := b.run(ctx, nil, "deletefile", b.objectPath(key)); err != nil && !isNotFound(err) {
		return apierr.New("rclonebackend.Remove", apierr.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, nil, "lsf", b.remote)
	if err != nil {
		if isNotFound(err) {
			return nil, nil // remote directory not created yet: empty repository
		}
		return nil, apierr.New("rclonebackend.List", apierr.KindBackendUnavailable, err)
	}
	var keys []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

func (b *Backend) Close() error { return nil }

// isNotFound heuristically classifies rclone's CLI error text; rclone
// does not expose structured exit codes per failure cause across all
// backends, so this is necessarily best-effort.
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such") ||
		strings.Contains(msg, "directory not found") ||
		strings.Contains(msg, "object not found")
}
