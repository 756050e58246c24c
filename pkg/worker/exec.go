package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ExecTransport starts workers as child processes of the launcher.
type ExecTransport struct {
	// Env is appended to the launcher's environment.
	Env []string

	// Stderr receives the workers' logs; nil discards them.
	Stderr io.Writer
}

// Upload copies localPath to remotePath on the local file system.
func (t *ExecTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if localPath == remotePath {
		return nil
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(remotePath, data, 0o755); err != nil {
		return fmt.Errorf("failed to write %s: %w", remotePath, err)
	}
	return nil
}

// Execute starts command. The process is killed when ctx is done.
func (t *ExecTransport) Execute(ctx context.Context, command []string) (io.WriteCloser, io.ReadCloser, func() error, error) {
	if len(command) == 0 {
		return nil, nil, nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start %s: %w", command[0], err)
	}
	return stdin, stdout, cmd.Wait, nil
}

// Cleanup removes remotePath.
func (t *ExecTransport) Cleanup(_ context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", remotePath, err)
	}
	return nil
}
