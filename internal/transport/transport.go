// Package transport provides access to the remote drop-box where devices upload
// their counter files.
package transport

import (
	"context"
	"errors"
)

var (
	ErrConnection = errors.New("remote connection failed")
	ErrAuth       = errors.New("remote authentication failed")
	ErrList       = errors.New("remote list failed")
	ErrDownload   = errors.New("remote download failed")
	ErrRelocate   = errors.New("remote relocate failed")
	ErrMkdir      = errors.New("remote mkdir failed")
	ErrRemove     = errors.New("remote remove failed")
)

// Session is an open connection to a remote file store. Close must be called
// exactly once per successful Dial.
type Session interface {
	// List returns the names of regular files in dir, without "." and "..".
	List(ctx context.Context, dir string) ([]string, error)
	// Download returns the full contents of the remote file.
	Download(ctx context.Context, remotePath string) ([]byte, error)
	// Relocate moves remotePath into targetDir, creating it if missing, and
	// returns the final path.
	Relocate(ctx context.Context, remotePath, targetDir string) (string, error)
	// Remove deletes the remote file.
	Remove(ctx context.Context, remotePath string) error
	Close() error
}

// Dialer opens sessions
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
