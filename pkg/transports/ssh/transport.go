// Package ssh starts PFASST workers on remote hosts. A Host stages the
// worker binary over SFTP and runs it in a session whose stdin and stdout
// carry the worker protocol.
package ssh

import (
	"fmt"

	"github.com/openpint/openpint/pkg/worker"
)

var _ worker.Transport = (*Host)(nil)

// OpError is a failed operation on a host.
type OpError struct {
	Op   string
	Host string
	Err  error

	// Retry is set when repeating the operation may succeed.
	Retry bool
}

func (e *OpError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *OpError) Retryable() bool { return e.Retry }
