// Package ssh opens SSH tunnels to the database host.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const defaultTimeout = 30 * time.Second

// Service defines the interface for SSH operations.
type Service interface {
	Open(ctx context.Context, cfg models.SSHTunnelConfig) (*Tunnel, error)
	TestConnection(ctx context.Context, cfg models.SSHTunnelConfig) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.client.DialContext(ctx, network, addr)
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Tunnel forwards TCP connections through an established SSH client.
type Tunnel struct {
	client SSHClient
	logger zerolog.Logger
}

// DialContext opens a connection to addr as seen from the SSH host. Its signature matches
// mysql.DialFunc.
func (t *Tunnel) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	t.logger.Debug().Str("addr", addr).Msg("dialing through SSH tunnel")

	conn, err := t.client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", addr, err)
	}
	return conn, nil
}

// Close tears down the SSH connection and every forwarded connection with it.
func (t *Tunnel) Close() error {
	return t.client.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SSHTunnelConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	switch {
	case len(cfg.PrivateKey) > 0:
		key = cfg.PrivateKey
	case cfg.KeyPath != "":
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	default:
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // bastion inside the homelab
		Timeout:         timeout,
	}, nil
}

// connect dials the SSH host, giving up when ctx is done.
func (s *Impl) connect(ctx context.Context, cfg models.SSHTunnelConfig) (SSHClient, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	type dialResult struct {
		client SSHClient
		err    error
	}
	clientChan := make(chan dialResult, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Close a client that connects after we stopped waiting.
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, res.err)
		}
		return res.client, nil
	}
}

// Open establishes the SSH connection a Tunnel dials through. The caller closes the Tunnel.
func (s *Impl) Open(ctx context.Context, cfg models.SSHTunnelConfig) (*Tunnel, error) {
	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Msg("opening SSH tunnel")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("host", cfg.Host).Msg("SSH tunnel established")
	return &Tunnel{client: client, logger: s.logger}, nil
}

// TestConnection verifies SSH connectivity by running a trivial command.
func (s *Impl) TestConnection(ctx context.Context, cfg models.SSHTunnelConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("testing SSH connection")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput("echo OK")
	result.Output = string(output)
	result.CommandRun = true

	if err != nil {
		result.Error = fmt.Errorf("test command failed: %w", err)
	}

	return result, nil
}
