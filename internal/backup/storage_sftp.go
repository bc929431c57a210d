package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

// sftpConn is one live SFTP session and whatever carries it
type sftpConn struct {
	client *sftp.Client
	closer func() error
}

// sftpStore uploads artifacts into a directory on an SSH server
type sftpStore struct {
	host       string
	remotePath string
	logger     *logging.Logger

	dial func(ctx context.Context) (*sftpConn, error)

	mu   sync.Mutex
	conn *sftpConn
}

func newSFTPStore(cfg config.SFTPConfig, timeout time.Duration, logger *logging.Logger) (*sftpStore, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.Host == "" || cfg.User == "" || cfg.RemotePath == "" {
		return nil, NewConfigurationError("sftp host, user and remote_path are required", nil)
	}

	clientConfig, err := sshClientConfig(cfg, timeout, logger)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	s := &sftpStore{
		host:       cfg.Host,
		remotePath: cfg.RemotePath,
		logger:     logger,
	}
	s.dial = func(ctx context.Context) (*sftpConn, error) {
		d := net.Dialer{Timeout: clientConfig.Timeout}
		raw, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, clientConfig)
		if err != nil {
			raw.Close()
			return nil, err
		}
		sshClient := ssh.NewClient(sshConn, chans, reqs)
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, err
		}
		return &sftpConn{
			client: client,
			closer: func() error {
				client.Close()
				return sshClient.Close()
			},
		}, nil
	}
	return s, nil
}

// sshClientConfig builds key-based auth. Without a known_hosts file the host
// key is not verified and a warning is logged.
func sshClientConfig(cfg config.SFTPConfig, timeout time.Duration, logger *logging.Logger) (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, NewConfigurationError("failed to read sftp private key", err).
			WithContext("path", cfg.PrivateKeyPath)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, NewConfigurationError("failed to parse sftp private key", err).
			WithContext("path", cfg.PrivateKeyPath)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, NewConfigurationError("failed to load known_hosts", err).
				WithContext("path", cfg.KnownHostsPath)
		}
	} else {
		logger.WithField("host", cfg.Host).Warn("No known_hosts configured; SFTP host key will not be verified")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// client returns the live session, dialing one if needed
func (s *sftpStore) client(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.client, nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn.client, nil
}

// drop discards the session so the next call reconnects
func (s *sftpStore) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.closer()
		s.conn = nil
	}
}

// Put writes <remote>/<name>.part and renames it over <remote>/<name>
func (s *sftpStore) Put(ctx context.Context, localPath, name string) (string, error) {
	client, err := s.client(ctx)
	if err != nil {
		return "", err
	}

	remote, err := s.put(ctx, client, localPath, name)
	if err != nil {
		s.drop()
		return "", err
	}
	return remote, nil
}

func (s *sftpStore) put(ctx context.Context, client *sftp.Client, localPath, name string) (string, error) {
	in, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := client.MkdirAll(s.remotePath); err != nil {
		return "", fmt.Errorf("create remote directory %s: %w", s.remotePath, err)
	}

	final := path.Join(s.remotePath, name)
	part := final + ".part"
	out, err := client.Create(part)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", part, err)
	}
	if _, err := out.ReadFrom(&ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		_ = client.Remove(part)
		return "", fmt.Errorf("write %s: %w", part, err)
	}
	if err := out.Close(); err != nil {
		_ = client.Remove(part)
		return "", fmt.Errorf("close %s: %w", part, err)
	}

	if err := client.PosixRename(part, final); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		if rmErr := client.Remove(final); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			_ = client.Remove(part)
			return "", fmt.Errorf("replace %s: %w", final, rmErr)
		}
		if err := client.Rename(part, final); err != nil {
			_ = client.Remove(part)
			return "", fmt.Errorf("rename %s: %w", part, err)
		}
	}
	return fmt.Sprintf("sftp://%s%s", s.host, final), nil
}

func (s *sftpStore) Size(ctx context.Context, name string) (int64, error) {
	client, err := s.client(ctx)
	if err != nil {
		return 0, err
	}
	info, err := client.Stat(path.Join(s.remotePath, name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *sftpStore) List(ctx context.Context) ([]Artifact, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, NewTransportError("failed to connect for listing", err).WithContext("host", s.host)
	}
	infos, err := client.ReadDir(s.remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, NewTransportError("failed to list remote directory", err).WithContext("path", s.remotePath)
	}

	artifacts := make([]Artifact, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:      info.Name(),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
			Encrypted: isEncryptedName(info.Name()),
		})
	}
	return artifacts, nil
}

func (s *sftpStore) Delete(ctx context.Context, name string) error {
	if err := checkArtifactName(name); err != nil {
		return err
	}
	client, err := s.client(ctx)
	if err != nil {
		return NewTransportError("failed to connect for delete", err).WithContext("host", s.host)
	}
	p := path.Join(s.remotePath, name)
	if err := client.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewTransportError("failed to delete remote artifact", err).WithContext("path", p)
	}
	return nil
}

func (s *sftpStore) String() string {
	return fmt.Sprintf("sftp://%s%s", s.host, s.remotePath)
}

func (s *sftpStore) Close() error {
	s.drop()
	return nil
}
