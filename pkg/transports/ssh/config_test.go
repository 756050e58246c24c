package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("node1", "pint")

	if cfg.Port != 22 || cfg.Auth != AuthKey {
		t.Errorf("port/auth = %d/%s, want 22/key", cfg.Port, cfg.Auth)
	}
	if cfg.DialTimeout != 30*time.Second || cfg.DialAttempts != 3 {
		t.Errorf("dial timeout/attempts = %v/%d", cfg.DialTimeout, cfg.DialAttempts)
	}
	if cfg.Insecure {
		t.Error("host keys must be checked by default")
	}
	if filepath.Base(cfg.KnownHosts) != "known_hosts" {
		t.Errorf("known hosts = %s", cfg.KnownHosts)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		spec     string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{spec: "node1", wantHost: "node1"},
		{spec: "node1:2222", wantHost: "node1", wantPort: 2222},
		{spec: "alice@node1", wantUser: "alice", wantHost: "node1"},
		{spec: "alice@10.0.0.7:22", wantUser: "alice", wantHost: "10.0.0.7", wantPort: 22},
		{spec: "[::1]:2200", wantHost: "::1", wantPort: 2200},
		{spec: "::1", wantHost: "::1"},
		{spec: "node1:http", wantErr: true},
		{spec: "node1:70000", wantErr: true},
		{spec: "alice@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			user, host, port, err := ParseTarget(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTarget(%q) = %s %s %d, want error", tt.spec, user, host, port)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tt.spec, err)
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("ParseTarget(%q) = %q %q %d, want %q %q %d",
					tt.spec, user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := DefaultConfig("::1", "pint")
	if got := cfg.address(); got != "[::1]:22" {
		t.Errorf("address() = %s, want [::1]:22", got)
	}
	cfg = DefaultConfig("node1", "pint")
	cfg.Port = 2222
	if got := cfg.address(); got != "node1:2222" {
		t.Errorf("address() = %s, want node1:2222", got)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "password", modify: func(c *Config) {}},
		{name: "no host", modify: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "port zero", modify: func(c *Config) { c.Port = 0 }, wantErr: "invalid port"},
		{name: "no user", modify: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "no password", modify: func(c *Config) { c.Password = "" }, wantErr: "needs a password"},
		{
			name:    "missing key file",
			modify:  func(c *Config) { c.Auth, c.KeyFile = AuthKey, "/nonexistent/id_ed25519" },
			wantErr: "key file",
		},
		{name: "no dial timeout", modify: func(c *Config) { c.DialTimeout = 0 }, wantErr: "dial timeout"},
		{name: "negative keepalive", modify: func(c *Config) { c.KeepAlive = -time.Second }, wantErr: "keepalive"},
		{name: "agent without socket", modify: func(c *Config) { c.Auth = AuthAgent }, wantErr: "SSH_AUTH_SOCK"},
		{name: "unknown auth", modify: func(c *Config) { c.Auth = "kerberos" }, wantErr: "unsupported auth"},
		{
			name:    "jump without user",
			modify:  func(c *Config) { c.Jump = &Config{Host: "bastion", Port: 22, DialTimeout: time.Second} },
			wantErr: "jump host: user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("node1", "pint")
			cfg.Auth, cfg.Password = AuthPassword, "secret"
			tt.modify(cfg)

			err := cfg.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Fatalf("Validate() error = %v", err)
			case tt.wantErr != "" && err == nil:
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			case err != nil && !strings.Contains(err.Error(), tt.wantErr):
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		cfg := DefaultConfig("node1", "pint")
		cfg.Auth, cfg.Password, cfg.Insecure = AuthPassword, "secret", true

		cc, err := cfg.clientConfig()
		if err != nil {
			t.Fatalf("clientConfig() error = %v", err)
		}
		if cc.User != "pint" || cc.Timeout != 30*time.Second {
			t.Errorf("user/timeout = %s/%v", cc.User, cc.Timeout)
		}
		// password plus keyboard-interactive
		if len(cc.Auth) != 2 {
			t.Errorf("auth methods = %d, want 2", len(cc.Auth))
		}
	})

	t.Run("key", func(t *testing.T) {
		cfg := DefaultConfig("node1", "pint")
		cfg.KeyFile, cfg.Insecure = writeTestKey(t), true

		cc, err := cfg.clientConfig()
		if err != nil {
			t.Fatalf("clientConfig() error = %v", err)
		}
		if len(cc.Auth) != 1 {
			t.Errorf("auth methods = %d, want 1", len(cc.Auth))
		}
	})

	t.Run("garbage key", func(t *testing.T) {
		key := filepath.Join(t.TempDir(), "id_ed25519")
		if err := os.WriteFile(key, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := DefaultConfig("node1", "pint")
		cfg.KeyFile, cfg.Insecure = key, true

		if _, err := cfg.clientConfig(); err == nil || !strings.Contains(err.Error(), "parse key") {
			t.Errorf("clientConfig() error = %v, want parse error", err)
		}
	})

	t.Run("agent not running", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "agent.sock"))
		cfg := DefaultConfig("node1", "pint")
		cfg.Auth = AuthAgent

		if _, err := cfg.clientConfig(); err == nil {
			t.Error("clientConfig() = nil error without an agent")
		}
	})

	t.Run("missing known hosts", func(t *testing.T) {
		cfg := DefaultConfig("node1", "pint")
		cfg.Auth, cfg.Password = AuthPassword, "secret"
		cfg.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := cfg.clientConfig(); err == nil {
			t.Error("clientConfig() = nil error without known_hosts")
		}
	})
}

// writeTestKey writes an unencrypted ed25519 key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}
