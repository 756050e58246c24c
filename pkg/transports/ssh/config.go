package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openpint/openpint/pkg/telemetry"
)

// Auth selects how a host authenticates the launcher.
type Auth string

const (
	AuthPassword Auth = "password"
	AuthKey      Auth = "key"
	AuthAgent    Auth = "agent"
)

// defaultKeys are tried in order when Config.KeyFile is empty.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes one host that runs workers.
type Config struct {
	Host string
	Port int
	User string

	Auth     Auth
	Password string

	// KeyFile is the private key of AuthKey. Empty picks the first of
	// ~/.ssh/id_ed25519, id_ecdsa and id_rsa that exists.
	KeyFile       string
	KeyPassphrase string

	// KnownHosts verifies the host key unless Insecure is set.
	KnownHosts string
	Insecure   bool

	// DialTimeout bounds a single connection attempt. DialAttempts bounds
	// the attempts; authentication failures are never retried.
	DialTimeout  time.Duration
	DialAttempts uint

	// KeepAlive is the interval of keepalive requests; zero disables
	// them. The connection is dropped after KeepAliveMisses unanswered
	// requests in a row.
	KeepAlive       time.Duration
	KeepAliveMisses int

	// Jump is a bastion the connection is tunnelled through.
	Jump *Config

	// Stderr receives the standard error of workers. Nil discards it.
	Stderr io.Writer

	Logger *telemetry.Logger
}

// DefaultConfig returns key authentication against ~/.ssh/known_hosts on
// port 22.
func DefaultConfig(host, user string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:            host,
		Port:            22,
		User:            user,
		Auth:            AuthKey,
		KnownHosts:      filepath.Join(home, ".ssh", "known_hosts"),
		DialTimeout:     30 * time.Second,
		DialAttempts:    3,
		KeepAlive:       30 * time.Second,
		KeepAliveMisses: 3,
	}
}

// ParseTarget splits "[user@]host[:port]". Missing parts are empty or
// zero.
func ParseTarget(spec string) (user, host string, port int, err error) {
	if i := strings.LastIndex(spec, "@"); i >= 0 {
		user, spec = spec[:i], spec[i+1:]
	}
	host = spec
	if h, p, splitErr := net.SplitHostPort(spec); splitErr == nil {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port in %q", spec)
		}
		host = h
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("no host in %q", spec)
	}
	return user, host, port, nil
}

// Validate checks c and resolves a default key file.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.DialTimeout <= 0:
		return errors.New("dial timeout must be positive")
	case c.KeepAlive < 0:
		return errors.New("keepalive interval must not be negative")
	}

	switch c.Auth {
	case AuthPassword:
		if c.Password == "" {
			return errors.New("password authentication needs a password")
		}
	case AuthKey:
		if c.KeyFile == "" {
			c.KeyFile = findDefaultKey()
		}
		if c.KeyFile == "" {
			return errors.New("key authentication needs a key file and none was found in ~/.ssh")
		}
		if _, err := os.Stat(c.KeyFile); err != nil {
			return fmt.Errorf("key file: %w", err)
		}
	case AuthAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent authentication needs SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.Auth)
	}

	if c.Jump != nil {
		if err := c.Jump.Validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	return nil
}

func findDefaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range defaultKeys {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// clientConfig builds the x/crypto configuration of one handshake.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if !c.Insecure && c.KnownHosts != "" {
		if hostKeys, err = knownhosts.New(c.KnownHosts); err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.DialTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.Auth {
	case AuthPassword:
		// Servers often offer passwords as keyboard-interactive only.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthKey:
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		var signer ssh.Signer
		if c.KeyPassphrase == "" {
			signer, err = ssh.ParsePrivateKey(pem)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", c.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthAgent:
		sock, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("connect to ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(sock).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", c.Auth)
}
