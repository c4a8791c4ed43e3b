package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/septivank/counter-ingest-worker/internal/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// remoteFS is the subset of *sftp.Client used by SFTPSession
type remoteFS interface {
	ReadDir(dir string) ([]os.FileInfo, error)
	Open(p string) (io.ReadCloser, error)
	Stat(p string) (os.FileInfo, error)
	MkdirAll(dir string) error
	Rename(oldname, newname string) error
	Remove(p string) error
	Close() error
}

type sftpClientFS struct {
	client *sftp.Client
	ssh    *ssh.Client
}

func (c *sftpClientFS) ReadDir(dir string) ([]os.FileInfo, error) { return c.client.ReadDir(dir) }
func (c *sftpClientFS) Open(p string) (io.ReadCloser, error)       { return c.client.Open(p) }
func (c *sftpClientFS) Stat(p string) (os.FileInfo, error)         { return c.client.Stat(p) }
func (c *sftpClientFS) MkdirAll(dir string) error                  { return c.client.MkdirAll(dir) }
func (c *sftpClientFS) Rename(o, n string) error                   { return c.client.Rename(o, n) }
func (c *sftpClientFS) Remove(p string) error                      { return c.client.Remove(p) }

func (c *sftpClientFS) Close() error {
	err := c.client.Close()
	if sshErr := c.ssh.Close(); err == nil {
		err = sshErr
	}
	return err
}

// SFTPDialer opens SFTP sessions with password or private-key authentication
type SFTPDialer struct {
	cfg    config.SFTPConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSFTPDialer creates a dialer; no connection is made until Dial
func NewSFTPDialer(cfg config.SFTPConfig, logger *zap.Logger) *SFTPDialer {
	return &SFTPDialer{cfg: cfg, logger: logger, now: time.Now}
}

// Dial connects and authenticates once. It never retries.
func (d *SFTPDialer) Dial(ctx context.Context) (Session, error) {
	clientCfg, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := d.cfg.Addr()
	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: [SFTP] dial %s: %w", ErrConnection, addr, err)
	}

	// Bound the handshake; the deadline is cleared once the session is up.
	if d.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("%w: [SFTP] start subsystem on %s: %w", ErrConnection, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.logger.Info("sftp session established", zap.String("addr", addr), zap.String("user", d.cfg.User))

	return newSFTPSession(&sftpClientFS{client: client, ssh: sshClient}, d.cfg.MaxFileBytes, d.now), nil
}

func (d *SFTPDialer) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if d.cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(d.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: [SFTP] read private key: %w", ErrAuth, err)
		}
		var signer ssh.Signer
		if d.cfg.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(d.cfg.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: [SFTP] parse private key: %w", ErrAuth, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	} else if d.cfg.Password != "" {
		auths = append(auths, ssh.Password(d.cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(d.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: [SFTP] load known_hosts: %w", ErrConnection, err)
		}
		hostKeyCallback = cb
	} else {
		d.logger.Warn("SFTP_KNOWN_HOSTS_PATH not set, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.Timeout,
	}, nil
}

func classifyHandshakeError(addr string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: [SFTP] %s: %w", ErrAuth, addr, err)
	}
	return fmt.Errorf("%w: [SFTP] handshake with %s: %w", ErrConnection, addr, err)
}

// SFTPSession implements Session on top of an SFTP client
type SFTPSession struct {
	fs       remoteFS
	maxBytes int64
	now      func() time.Time
	closed   bool
}

func newSFTPSession(fs remoteFS, maxBytes int64, now func() time.Time) *SFTPSession {
	return &SFTPSession{fs: fs, maxBytes: maxBytes, now: now}
}

// List returns regular file names in dir sorted lexicographically
func (s *SFTPSession) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, sftp.ErrSSHFxPermissionDenied) {
			return nil, fmt.Errorf("%w: [SFTP] %s: permission denied: %w", ErrList, dir, err)
		}
		return nil, fmt.Errorf("%w: [SFTP] %s: %w", ErrList, dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." || e.IsDir() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Download reads the whole file, failing if it exceeds the configured size
func (s *SFTPSession) Download(ctx context.Context, remotePath string) ([]byte, error) {
	f, err := s.fs.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("%w: [SFTP] open %s: %w", ErrDownload, remotePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	if s.maxBytes > 0 {
		r = io.LimitReader(f, s.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: [SFTP] read %s: %w", ErrDownload, remotePath, err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: [SFTP] %s exceeds %d bytes", ErrDownload, remotePath, s.maxBytes)
	}
	return data, nil
}

// Relocate renames remotePath into targetDir. If the name is taken, a
// _YYYYMMDD_HHMMSS suffix is inserted before the extension.
func (s *SFTPSession) Relocate(ctx context.Context, remotePath, targetDir string) (string, error) {
	if err := s.fs.MkdirAll(targetDir); err != nil {
		return "", fmt.Errorf("%w: %w: [SFTP] %s: %w", ErrRelocate, ErrMkdir, targetDir, err)
	}

	base := path.Base(remotePath)
	target := path.Join(targetDir, base)

	if _, err := s.fs.Stat(target); err == nil {
		target = path.Join(targetDir, suffixed(base, s.now()))
	}

	if err := s.fs.Rename(remotePath, target); err != nil {
		// Lost a race with another writer, or the server refuses to overwrite.
		if _, statErr := s.fs.Stat(target); statErr == nil {
			alt := path.Join(targetDir, suffixed(base, s.now()))
			if altErr := s.fs.Rename(remotePath, alt); altErr == nil {
				return alt, nil
			}
		}
		return "", fmt.Errorf("%w: [SFTP] %s -> %s: %w", ErrRelocate, remotePath, target, err)
	}
	return target, nil
}

// Remove deletes remotePath
func (s *SFTPSession) Remove(ctx context.Context, remotePath string) error {
	if err := s.fs.Remove(remotePath); err != nil {
		return fmt.Errorf("%w: [SFTP] %s: %w", ErrRemove, remotePath, err)
	}
	return nil
}

// Close releases the session; later calls are no-ops
func (s *SFTPSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.fs.Close()
}

func suffixed(base string, now time.Time) string {
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + now.Format("20060102_150405") + ext
}
