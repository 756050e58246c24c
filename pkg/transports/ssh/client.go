package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openpint/openpint/pkg/telemetry"
)

var errNotConnected = errors.New("not connected")

// Host is a connection to one machine that runs workers. Ranks placed on
// the same machine share a Host; it is safe for concurrent use.
type Host struct {
	cfg    *Config
	logger *telemetry.Logger

	mu        sync.Mutex
	client    *ssh.Client
	jump      *ssh.Client
	stopAlive context.CancelFunc
}

// NewHost validates cfg. It does not connect.
func NewHost(cfg *Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ssh config of %s: %w", cfg.Host, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Host{
		cfg:    cfg,
		logger: logger.NewComponentLogger("ssh").WithField("host", cfg.address()),
	}, nil
}

func (h *Host) opError(op string, err error, retry bool) *OpError {
	return &OpError{Op: op, Host: h.cfg.address(), Err: err, Retry: retry}
}

// Connect logs in to the host, through the jump host when one is
// configured. A live connection is kept as is.
func (h *Host) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		if ping(h.client) == nil {
			return nil
		}
		h.logger.Warn("Connection lost, reconnecting")
		_ = h.closeLocked()
	}

	var jump *ssh.Client
	if h.cfg.Jump != nil {
		var err error
		if jump, err = connect(ctx, h.cfg.Jump, nil); err != nil {
			return h.opError("connect", fmt.Errorf("jump host %s: %w", h.cfg.Jump.address(), err), !permanent(err))
		}
	}
	client, err := connect(ctx, h.cfg, jump)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return h.opError("connect", err, !permanent(err))
	}

	h.client, h.jump = client, jump
	if h.cfg.KeepAlive > 0 && h.cfg.KeepAliveMisses > 0 {
		var aliveCtx context.Context
		aliveCtx, h.stopAlive = context.WithCancel(context.Background())
		go h.keepAlive(aliveCtx, client)
	}
	h.logger.Zerolog().Info().Bool("jump", jump != nil).Msg("Connected")
	return nil
}

// connect logs in to cfg, tunnelled through via when it is not nil.
// Failed attempts are retried unless the host refused the credentials or
// its key.
func connect(ctx context.Context, cfg *Config, via *ssh.Client) (*ssh.Client, error) {
	cc, err := cfg.clientConfig()
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	attempts := cfg.DialAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (*ssh.Client, error) {
		client, err := handshake(ctx, cfg, cc, via)
		if err != nil && permanent(err) {
			return nil, backoff.Permanent(err)
		}
		return client, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(attempts))
}

func handshake(ctx context.Context, cfg *Config, cc *ssh.ClientConfig, via *ssh.Client) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	addr := cfg.address()
	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	// The handshake itself ignores ctx; a past deadline aborts it.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// permanent reports errors that repeating a login cannot fix.
func permanent(err error) bool {
	var pe *backoff.PermanentError
	var ke *knownhosts.KeyError
	return errors.As(err, &pe) || errors.As(err, &ke) ||
		strings.Contains(err.Error(), "unable to authenticate")
}

func ping(client *ssh.Client) error {
	s, err := client.NewSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Run("true")
}

func (h *Host) keepAlive(ctx context.Context, client *ssh.Client) {
	t := time.NewTicker(h.cfg.KeepAlive)
	defer t.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			misses = 0
			continue
		}
		misses++
		h.logger.Warnf("Keepalive unanswered (%d in a row)", misses)
		if misses >= h.cfg.KeepAliveMisses {
			h.logger.Error("Host stopped answering, dropping the connection")
			h.drop(client)
			return
		}
	}
}

func (h *Host) drop(client *ssh.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == client {
		_ = h.closeLocked()
	}
}

// Close ends the connection and with it every worker still running on
// it.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil
	}
	h.logger.Debug("Closing connection")
	if err := h.closeLocked(); err != nil && !errors.Is(err, net.ErrClosed) {
		return h.opError("close", err, false)
	}
	return nil
}

func (h *Host) closeLocked() error {
	if h.stopAlive != nil {
		h.stopAlive()
		h.stopAlive = nil
	}
	err := h.client.Close()
	if h.jump != nil {
		_ = h.jump.Close()
	}
	h.client, h.jump = nil, nil
	return err
}

// Connected reports whether the host holds a connection.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client != nil
}

// Ping runs true on the host.
func (h *Host) Ping(ctx context.Context) error {
	_, _, err := h.Run(ctx, "true")
	return err
}

func (h *Host) conn(op string) (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil, h.opError(op, errNotConnected, false)
	}
	return h.client, nil
}
