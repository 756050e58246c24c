package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// Upload stages the executable localPath at remotePath. A remote file with
// the same checksum is kept.
func (h *Host) Upload(ctx context.Context, localPath, remotePath string) error {
	want, err := localChecksum(localPath)
	if err != nil {
		return h.opError("upload", err, false)
	}
	if got, err := h.Checksum(ctx, remotePath); err == nil && got == want {
		h.logger.Zerolog().Debug().Str("remote", remotePath).Msg("Worker binary up to date")
		return nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return h.opError("upload", err, false)
	}
	defer src.Close()

	sc, err := h.sftp()
	if err != nil {
		return err
	}
	defer sc.Close()

	start := time.Now()
	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return h.opError("upload", fmt.Errorf("create %s: %w", path.Dir(remotePath), err), false)
	}
	dst, err := sc.Create(remotePath)
	if err != nil {
		return h.opError("upload", fmt.Errorf("create %s: %w", remotePath, err), true)
	}
	defer dst.Close()

	n, err := io.Copy(dst, ctxReader{ctx: ctx, r: src})
	if err != nil {
		return h.opError("upload", fmt.Errorf("copy to %s: %w", remotePath, err), true)
	}
	if err := sc.Chmod(remotePath, 0o755); err != nil {
		return h.opError("upload", fmt.Errorf("chmod %s: %w", remotePath, err), false)
	}

	h.logger.Zerolog().Info().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("elapsed", time.Since(start)).
		Msg("Worker binary uploaded")
	return nil
}

// Cleanup removes remotePath. A missing file is not an error.
func (h *Host) Cleanup(ctx context.Context, remotePath string) error {
	sc, err := h.sftp()
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Remove(remotePath); err != nil {
		if _, statErr := sc.Stat(remotePath); statErr != nil {
			return nil
		}
		return h.opError("cleanup", err, false)
	}
	return nil
}

// Checksum returns the hex SHA-256 of remotePath.
func (h *Host) Checksum(ctx context.Context, remotePath string) (string, error) {
	stdout, _, err := h.Run(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return "", err
	}
	sum, _, _ := strings.Cut(stdout, " ")
	if len(sum) != sha256.Size*2 {
		return "", h.opError("checksum", fmt.Errorf("unexpected sha256sum output %q", stdout), false)
	}
	return sum, nil
}

func (h *Host) sftp() (*sftp.Client, error) {
	client, err := h.conn("sftp")
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, h.opError("sftp", err, true)
	}
	return sc, nil
}

func localChecksum(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// ctxReader stops a copy once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
