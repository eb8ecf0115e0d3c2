// Package sftpbackend implements backend.Backend over an SFTP server via
// github.com/pkg/sftp and golang.org/x/crypto/ssh. It reuses dirbackend's
// temp-file-then-rename idiom — SFTP exposes the same POSIX rename
// semantics as a local filesystem, so a crash mid-write leaves at most an
// orphaned temp file, never a torn key file.
package sftpbackend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// Param names understood by Factory.
const (
	ParamAddr     = "addr" // host:port
	ParamUser     = "user"
	ParamPassword = "password"
	ParamDir      = "dir"
)

// Backend stores each key as a file under Dir on a remote SFTP server.
type Backend struct {
	client *sftp.Client
	conn   *ssh.Client
	dir    string
}

// New returns a Backend rooted at dir over an already-dialed SFTP
// client, creating dir if necessary. conn may be nil if the caller
// manages the underlying ssh.Client's lifecycle itself.
func New(client *sftp.Client, conn *ssh.Client, dir string) (*Backend, error) {
	if err := client.MkdirAll(dir); err != nil {
		return nil, apierr.New("sftpbackend.New", apierr.KindIO, err)
	}
	return &Backend{client: client, conn: conn, dir: dir}, nil
}

// Factory dials addr with password auth and opens an SFTP session
// rooted at ParamDir. It accepts any server host key
// (ssh.InsecureIgnoreHostKey); there is no parameter for pinning or
// verifying one. Callers that need host key verification dial the
// ssh.Client themselves and use New.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	addr, ok := params[ParamAddr]
	if !ok || addr == "" {
		return nil, apierr.New("sftpbackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamAddr))
	}
	dir, ok := params[ParamDir]
	if !ok || dir == "" {
		return nil, apierr.New("sftpbackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamDir))
	}

	config := &ssh.ClientConfig{
		User:            params[ParamUser],
		Auth:            []ssh.AuthMethod{ssh.Password(params[ParamPassword])},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, apierr.New("sftpbackend.Factory", apierr.KindBackendUnavailable, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, apierr.New("sftpbackend.Factory", apierr.KindBackendUnavailable, err)
	}
	return New(client, conn, dir)
}

func (b *Backend) path(key string) string {
	return path.Join(b.dir, encodeKey(key))
}

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	target := b.path(key)
	tmpPath := target + ".tmp-" + strconv.FormatInt(int64(len(value)), 36)

	f, err := b.client.Create(tmpPath)
	if err != nil {
		return apierr.New("sftpbackend.Write", apierr.KindIO, err)
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		b.client.Remove(tmpPath)
		return apierr.New("sftpbackend.Write", apierr.KindIO, err)
	}
	if err := f.Close(); err != nil {
		b.client.Remove(tmpPath)
		return apierr.New("sftpbackend.Write", apierr.KindIO, err)
	}
	if err := b.client.Rename(tmpPath, target); err != nil {
		// Some SFTP servers reject renaming onto an existing file; fall
		// back to remove-then-rename.
		b.client.Remove(target)
		if err := b.client.Rename(tmpPath, target); err != nil {
			b.client.Remove(tmpPath)
			return apierr.New("sftpbackend.Write", apierr.KindIO, err)
		}
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	f, err := b.client.Open(b.path(key))
	if err != nil {
		if sftp.IsNotExist(err) {
			return nil, apierr.New("sftpbackend.Read", apierr.KindNotFound, err)
		}
		return nil, apierr.New("sftpbackend.Read", apierr.KindIO, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apierr.New("sftpbackend.Read", apierr.KindIO, err)
	}
	return data, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.client.Remove(b.path(key)); err != nil && !sftp.IsNotExist(err) {
		return apierr.New("sftpbackend.Remove", apierr.KindIO, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	entries, err := b.client.ReadDir(b.dir)
	if err != nil {
		return nil, apierr.New("sftpbackend.List", apierr.KindIO, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".tmp-") {
			continue
		}
		keys = append(keys, decodeKey(name))
	}
	return keys, nil
}

func (b *Backend) Close() error {
	err := b.client.Close()
	if b.conn != nil {
		if connErr := b.conn.Close(); err == nil {
			err = connErr
		}
	}
	if err != nil {
		return apierr.New("sftpbackend.Close", apierr.KindIO, err)
	}
	return nil
}

// encodeKey path-escapes key so that keys containing "/" (block keys)
// still map to one file directly under Dir.
func encodeKey(key string) string { return "k_" + url.PathEscape(key) }

func decodeKey(name string) string {
	if len(name) > 2 && name[0] == 'k' && name[1] == '_' {
		if key, err := url.PathUnescape(name[2:]); err == nil {
			return key
		}
		return name[2:]
	}
	return name
}
