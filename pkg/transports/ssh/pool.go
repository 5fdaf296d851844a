package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Pool keeps one SSH connection per node and runs remote commands and
// folder copies over them. It implements remote.Shell.
type Pool struct {
	config       Config
	clientConfig *ssh.ClientConfig
	logger       zerolog.Logger

	mu    sync.Mutex
	conns map[string]*pooledConnection
}

// pooledConnection wraps an SSH client connection with metadata.
type pooledConnection struct {
	client     *ssh.Client
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger.With().Str("component", "transport.ssh").Logger()
	}
}

// NewPool creates a connection pool for cfg.
func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "configure", Err: err, IsAuthError: true}
	}

	p := &Pool{
		config:       cfg,
		clientConfig: clientConfig,
		logger:       zerolog.Nop(),
		conns:        make(map[string]*pooledConnection),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// get returns a live connection to host, dialing a new one if needed.
func (p *Pool) get(ctx context.Context, host string) (*ssh.Client, error) {
	p.mu.Lock()
	pc, ok := p.conns[host]
	if ok {
		pc.lastUsedAt = time.Now()
		pc.usageCount++
	}
	p.mu.Unlock()

	if ok {
		if _, _, err := pc.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return pc.client, nil
		}
		p.logger.Warn().Str("host", host).Msg("Pooled connection is dead, reconnecting")
		p.drop(host, pc)
	}

	client, err := p.dial(ctx, host)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[host]; ok {
		// Another caller won the race.
		_ = client.Close()
		existing.usageCount++
		return existing.client, nil
	}
	now := time.Now()
	p.conns[host] = &pooledConnection{client: client, createdAt: now, lastUsedAt: now, usageCount: 1}
	return client, nil
}

func (p *Pool) dial(ctx context.Context, host string) (*ssh.Client, error) {
	address := p.config.Address(host)
	p.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: p.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: host, Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, p.clientConfig)
	if err != nil {
		_ = conn.Close()
		auth := strings.Contains(err.Error(), "unable to authenticate")
		return nil, &TransportError{Op: "connect", Host: host, Err: err, IsTemporary: !auth, IsAuthError: auth}
	}

	p.logger.Info().Str("address", address).Msg("SSH connection established")
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (p *Pool) drop(host string, pc *pooledConnection) {
	p.mu.Lock()
	if current, ok := p.conns[host]; ok && current == pc {
		delete(p.conns, host)
	}
	p.mu.Unlock()
	_ = pc.client.Close()
}

// Run executes command on host and returns its stdout split into lines.
// A non-zero exit status is not an error: callers inspect the output.
func (p *Pool) Run(ctx context.Context, host, command string) ([]string, error) {
	client, err := p.get(ctx, host)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Host: host, Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	ctx, cancel := context.WithTimeout(ctx, p.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(command)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{Op: "exec", Host: host, Err: ctx.Err(), IsTemporary: true}
	case execErr = <-doneChan:
	}

	lines := splitLines(stdoutBuf.String())
	event := p.logger.Debug().
		Str("host", host).
		Str("command", command).
		Int("lines", len(lines)).
		Dur("duration", time.Since(start))

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
		event.Msg("Command completed")
	case errors.As(execErr, &exitErr):
		event.Int("exit_status", exitErr.ExitStatus()).
			Str("stderr", strings.TrimSpace(stderrBuf.String())).
			Msg("Command exited with non-zero status")
	default:
		return lines, &TransportError{Op: "exec", Host: host, Err: execErr, IsTemporary: true}
	}
	return lines, nil
}

// Upload copies localDir to remoteDir on host, relative to the user's
// home directory unless absolute.
func (p *Pool) Upload(ctx context.Context, host, localDir, remoteDir string) error {
	client, err := p.get(ctx, host)
	if err != nil {
		return err
	}
	return uploadDirectory(ctx, client, host, localDir, remoteDir, p.logger)
}

// Download copies remoteDir on host into localDir.
func (p *Pool) Download(ctx context.Context, host, remoteDir, localDir string) error {
	client, err := p.get(ctx, host)
	if err != nil {
		return err
	}
	return downloadDirectory(ctx, client, host, remoteDir, localDir, p.logger)
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Prune closes connections unused for longer than the idle timeout and
// returns how many were closed.
func (p *Pool) Prune() int {
	if p.config.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var idle []*pooledConnection
	for host, pc := range p.conns {
		if pc.lastUsedAt.Before(cutoff) {
			idle = append(idle, pc)
			delete(p.conns, host)
		}
	}
	p.mu.Unlock()

	for _, pc := range idle {
		_ = pc.client.Close()
	}
	return len(idle)
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConnection)
	p.mu.Unlock()

	var errs []error
	for host, pc := range conns {
		p.logger.Debug().Str("host", host).Int("usage", pc.usageCount).Msg("Closing SSH connection")
		if err := pc.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, &TransportError{Op: "disconnect", Host: host, Err: err})
		}
	}
	return errors.Join(errs...)
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
