package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// shellServer is an SSH server that runs exec requests with sh and serves
// SFTP on the local file system. It accepts user pint with password
// "secret" or any public key, and forwards direct-tcpip channels.
type shellServer struct {
	ln   net.Listener
	conf *ssh.ServerConfig
}

func startShellServer(t *testing.T) *shellServer {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "pint" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied for %s", c.User())
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	conf.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &shellServer{ln: ln, conf: conf}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *shellServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *shellServer) serveConn(conn net.Conn) {
	defer conn.Close()

	sc, chans, reqs, err := ssh.NewServerConn(conn, s.conf)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			ch, requests, err := nc.Accept()
			if err != nil {
				continue
			}
			go serveSession(ch, requests)
		case "direct-tcpip":
			go forward(nc)
		default:
			_ = nc.Reject(ssh.UnknownChannelType, nc.ChannelType())
		}
	}
}

func forward(nc ssh.NewChannel) {
	var dest struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &dest); err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(dest.Host, strconv.Itoa(int(dest.Port))))
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, requests, err := nc.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	go func() {
		_, _ = io.Copy(ch, conn)
		ch.Close()
	}()
	_, _ = io.Copy(conn, ch)
	conn.Close()
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if ssh.Unmarshal(req.Payload, &payload) != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Stdin, cmd.Stdout, cmd.Stderr = ch, ch, ch.Stderr()
			cmd.WaitDelay = time.Second

			var status uint32
			if err := cmd.Run(); err != nil {
				status = 127
				var exit *exec.ExitError
				if errors.As(err, &exit) {
					status = uint32(exit.ExitCode())
				}
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			if srv, err := sftp.NewServer(ch); err == nil {
				_ = srv.Serve()
			}
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// hostConfig logs in to s with password.
func (s *shellServer) hostConfig(password string) *Config {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	cfg := DefaultConfig(host, "pint")
	cfg.Port, _ = strconv.Atoi(port)
	cfg.Auth, cfg.Password = AuthPassword, password
	cfg.Insecure = true
	cfg.DialTimeout = 5 * time.Second
	cfg.DialAttempts = 1
	cfg.KeepAlive = 0
	return cfg
}

// connect returns a Host logged in to s.
func (s *shellServer) connect(t *testing.T) *Host {
	t.Helper()
	h, err := NewHost(s.hostConfig("secret"))
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHostConnect(t *testing.T) {
	h := startShellServer(t).connect(t)

	if !h.Connected() {
		t.Fatal("Connected() = false after Connect")
	}
	if err := h.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	// A live connection is kept.
	if err := h.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}
}

func TestHostConnectRejected(t *testing.T) {
	s := startShellServer(t)
	cfg := s.hostConfig("wrong")
	cfg.DialAttempts = 5

	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	start := time.Now()
	err = h.Connect(context.Background())

	var oe *OpError
	if !errors.As(err, &oe) || oe.Op != "connect" {
		t.Fatalf("Connect() error = %v, want a connect OpError", err)
	}
	if oe.Retryable() {
		t.Error("rejected credentials reported as retryable")
	}
	// Rejected credentials are not retried with backoff.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Connect() took %v", elapsed)
	}
	if h.Connected() {
		t.Error("Connected() = true after a rejected login")
	}
}

func TestHostConnectViaJump(t *testing.T) {
	bastion := startShellServer(t)
	target := startShellServer(t)

	cfg := target.hostConfig("secret")
	cfg.Jump = bastion.hostConfig("secret")

	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() through jump host error = %v", err)
	}
	defer h.Close()
	if err := h.Ping(context.Background()); err != nil {
		t.Errorf("Ping() through jump host error = %v", err)
	}
}

func TestHostClose(t *testing.T) {
	h := startShellServer(t).connect(t)

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := h.Ping(context.Background()); err == nil {
		t.Error("Ping() after Close succeeded")
	}
	if _, _, _, err := h.Execute(context.Background(), []string{"true"}); err == nil {
		t.Error("Execute() after Close succeeded")
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHostRun(t *testing.T) {
	h := startShellServer(t).connect(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		cmd        string
		wantStdout string
		wantStderr string
		wantErr    bool
	}{
		{name: "stdout", cmd: "echo ready", wantStdout: "ready"},
		{name: "stderr", cmd: "echo oops >&2", wantStderr: "oops"},
		{name: "exit status", cmd: "echo bad >&2; exit 3", wantStderr: "bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := h.Run(ctx, tt.cmd)
			if stdout != tt.wantStdout || stderr != tt.wantStderr {
				t.Errorf("Run(%q) = %q, %q; want %q, %q", tt.cmd, stdout, stderr, tt.wantStdout, tt.wantStderr)
			}
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Run(%q) error = %v", tt.cmd, err)
				}
				return
			}
			var oe *OpError
			if !errors.As(err, &oe) {
				t.Fatalf("Run(%q) error = %v, want an OpError", tt.cmd, err)
			}
			if oe.Retryable() {
				t.Error("a non-zero exit status is not retryable")
			}
		})
	}
}

func TestHostRunCanceled(t *testing.T) {
	h := startShellServer(t).connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, _, err := h.Run(ctx, "sleep 5"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
}

func TestHostExecute(t *testing.T) {
	h := startShellServer(t).connect(t)

	stdin, stdout, wait, err := h.Execute(context.Background(), []string{"cat"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := io.WriteString(stdin, "READY\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	stdin.Close()

	got, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "READY\n" {
		t.Errorf("echoed %q, want %q", got, "READY\n")
	}
	if err := wait(); err != nil {
		t.Errorf("wait() error = %v", err)
	}
	if err := stdout.Close(); err != nil {
		t.Errorf("stdout.Close() error = %v", err)
	}

	if _, _, _, err := h.Execute(context.Background(), nil); err == nil {
		t.Error("Execute(nil) succeeded")
	}
}

func TestHostUploadAndCleanup(t *testing.T) {
	h := startShellServer(t).connect(t)
	ctx := context.Background()

	const script = "#!/bin/sh\necho worker\n"
	local := filepath.Join(t.TempDir(), "pint-worker")
	if err := os.WriteFile(local, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "opt", "pint", "pint-worker")

	if err := h.Upload(ctx, local, remote); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	data, err := os.ReadFile(remote)
	if err != nil || string(data) != script {
		t.Fatalf("uploaded %q, %v", data, err)
	}
	if info, err := os.Stat(remote); err != nil || info.Mode().Perm()&0o100 == 0 {
		t.Errorf("uploaded mode = %v, %v; want executable", info.Mode(), err)
	}

	sum, err := h.Checksum(ctx, remote)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	if want, _ := localChecksum(local); sum != want {
		t.Errorf("Checksum() = %s, want %s", sum, want)
	}

	// Same content: kept as is.
	if err := h.Upload(ctx, local, remote); err != nil {
		t.Fatalf("second Upload() error = %v", err)
	}

	if err := h.Cleanup(ctx, remote); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("%s still exists: %v", remote, err)
	}
	if err := h.Cleanup(ctx, remote); err != nil {
		t.Errorf("Cleanup() of a missing file error = %v", err)
	}
}

func TestHostKeyAuth(t *testing.T) {
	s := startShellServer(t)
	cfg := s.hostConfig("")
	cfg.Auth, cfg.KeyFile = AuthKey, writeTestKey(t)

	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() with a key error = %v", err)
	}
	defer h.Close()
	if !h.Connected() {
		t.Error("Connected() = false after key login")
	}
}

func TestShellJoin(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		want    string
	}{
		{name: "plain", command: []string{"/opt/pint/pint-worker", "--log-level", "debug"}, want: "/opt/pint/pint-worker --log-level debug"},
		{name: "space", command: []string{"pint-worker", "--otlp-endpoint", "a b"}, want: "pint-worker --otlp-endpoint 'a b'"},
		{name: "quote", command: []string{"echo", "it's"}, want: `echo 'it'\''s'`},
		{name: "empty argument", command: []string{"echo", ""}, want: "echo ''"},
		{name: "metacharacters", command: []string{"echo", "$HOME;rm"}, want: "echo '$HOME;rm'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellJoin(tt.command); got != tt.want {
				t.Errorf("shellJoin() = %q, want %q", got, tt.want)
			}
		})
	}
}
