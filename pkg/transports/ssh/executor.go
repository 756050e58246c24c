package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run runs cmd through the shell of the host and returns its trimmed
// output. A non-zero exit status is not retryable.
func (h *Host) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	client, err := h.conn("run")
	if err != nil {
		return "", "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", "", h.opError("run", err, true)
	}
	defer session.Close()

	var out, errOut bytes.Buffer
	session.Stdout, session.Stderr = &out, &errOut

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", "", h.opError("run", ctx.Err(), true)
	}

	stdout, stderr = strings.TrimSpace(out.String()), strings.TrimSpace(errOut.String())
	h.logger.Zerolog().Debug().
		Str("command", cmd).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("Command finished")

	var exit *ssh.ExitError
	switch {
	case err == nil:
		return stdout, stderr, nil
	case errors.As(err, &exit):
		return stdout, stderr, h.opError("run", fmt.Errorf("%q exited with status %d: %s", cmd, exit.ExitStatus(), stderr), false)
	default:
		return stdout, stderr, h.opError("run", err, true)
	}
}

// Execute starts command in its own session and returns its stdin and
// stdout. The worker is killed when ctx ends; wait closes the session.
func (h *Host) Execute(ctx context.Context, command []string) (io.WriteCloser, io.ReadCloser, func() error, error) {
	if len(command) == 0 {
		return nil, nil, nil, errors.New("empty command")
	}
	client, err := h.conn("execute")
	if err != nil {
		return nil, nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, h.opError("execute", err, true)
	}
	fail := func(err error) (io.WriteCloser, io.ReadCloser, func() error, error) {
		_ = session.Close()
		return nil, nil, nil, h.opError("execute", err, false)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("stdin: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("stdout: %w", err))
	}
	session.Stderr = h.cfg.Stderr

	line := shellJoin(command)
	if err := session.Start(line); err != nil {
		return fail(fmt.Errorf("start %s: %w", command[0], err))
	}
	h.logger.Zerolog().Debug().Str("command", line).Msg("Worker started")

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-exited:
		}
	}()

	var (
		once    sync.Once
		waitErr error
	)
	wait := func() error {
		once.Do(func() {
			waitErr = session.Wait()
			close(exited)
			_ = session.Close()
		})
		return waitErr
	}
	return stdin, &sessionReader{Reader: stdout, session: session}, wait, nil
}

// sessionReader closes its session with the worker's stdout.
type sessionReader struct {
	io.Reader
	session *ssh.Session
}

func (r *sessionReader) Close() error {
	if err := r.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// shellJoin quotes command for a POSIX shell.
func shellJoin(command []string) string {
	words := make([]string, len(command))
	for i, arg := range command {
		words[i] = shellQuote(arg)
	}
	return strings.Join(words, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	unsafe := strings.ContainsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("_-./:=@%+,", r))
	})
	if !unsafe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
