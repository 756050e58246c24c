package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openpint/openpint/pkg/worker/protocol"
)

// Transport defines the interface for staging and starting workers on a host.
type Transport interface {
	// Upload copies a local file, typically the worker binary, to the host.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts command on the host and returns its stdin and stdout.
	// wait blocks until the process has exited.
	Execute(ctx context.Context, command []string) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)
	// Cleanup removes an uploaded file.
	Cleanup(ctx context.Context, remotePath string) error
}

// RemoteError is an ERROR message reported by a worker.
type RemoteError struct {
	Rank    int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rank %d: %s: %s", e.Rank, e.Code, e.Message)
}

// Client manages communication with one worker process.
type Client struct {
	transport Transport
	encoder   *protocol.Encoder
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	wait      func() error
	messages  chan decoded
	ready     *protocol.ReadyMessage
	mu        sync.Mutex
	closed    bool
}

type decoded struct {
	msg *protocol.Message
	err error
}

// NewClient creates a new worker client.
func NewClient(transport Transport) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	return &Client{transport: transport}, nil
}

// Start starts the worker process and waits for its READY message.
func (c *Client) Start(ctx context.Context, command []string, startupTimeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if len(command) == 0 {
		return fmt.Errorf("worker command is required")
	}
	if startupTimeout == 0 {
		startupTimeout = 10 * time.Second
	}

	stdin, stdout, wait, err := c.transport.Execute(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.wait = wait
	c.encoder = protocol.NewEncoder(stdin)
	c.messages = make(chan decoded, 16)
	go c.pump(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	msg, err := c.next(readyCtx)
	if err != nil {
		return fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return fmt.Errorf("expected READY, got %s", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := protocol.ParseParams(msg.Data, &ready); err != nil {
		return err
	}
	c.ready = &ready
	return nil
}

// pump decodes messages until the stream ends.
func (c *Client) pump(dec *protocol.Decoder) {
	defer close(c.messages)
	for {
		msg, err := dec.Decode()
		c.messages <- decoded{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (c *Client) next(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.messages:
		if !ok {
			return nil, io.EOF
		}
		return d.msg, d.err
	}
}

// Assign hands the worker its rank and waits for the outcome. Progress
// events are sent to events when it is not nil.
func (c *Client) Assign(ctx context.Context, assign *protocol.AssignMessage, events chan<- *protocol.EventMessage) (*protocol.ResultMessage, error) {
	c.mu.Lock()
	if c.closed || c.encoder == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is not running")
	}
	c.mu.Unlock()

	if err := c.encoder.EncodeAssign(assign); err != nil {
		return nil, fmt.Errorf("failed to send assignment: %w", err)
	}

	var (
		result *protocol.ResultMessage
		failed error
	)
	for {
		msg, err := c.next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) && (result != nil || failed != nil) {
				break
			}
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if events != nil {
				select {
				case events <- &event:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

		case protocol.MessageTypeResult:
			var res protocol.ResultMessage
			if err := protocol.ParseParams(msg.Data, &res); err != nil {
				return nil, fmt.Errorf("failed to parse result: %w", err)
			}
			if res.RunID != assign.RunID || res.Rank != assign.Rank {
				return nil, fmt.Errorf("result of %s/%d for assignment %s/%d", res.RunID, res.Rank, assign.RunID, assign.Rank)
			}
			result = &res

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			failed = &RemoteError{Rank: assign.Rank, Code: errMsg.Code, Message: errMsg.Message}

		case protocol.MessageTypeExit:
			if failed != nil {
				return nil, failed
			}
			if result == nil {
				return nil, fmt.Errorf("worker exited without a result")
			}
			return result, nil

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}

	if failed != nil {
		return nil, failed
	}
	return result, nil
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the worker's streams and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}
	if c.messages != nil {
		// Unblock the pump so the process can exit.
		for range c.messages {
		}
	}
	if c.wait != nil {
		if err := c.wait(); err != nil {
			errs = append(errs, fmt.Errorf("worker exited: %w", err))
		}
	}
	return errors.Join(errs...)
}
