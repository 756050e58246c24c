// Package comm provides the message-passing layer the controller runs on.
//
// A Communicator is an ordered group of ranks that exchange tagged byte
// payloads. Point-to-point messages are FIFO per (context, source, tag).
// Sends never wait for the receiver: a non-blocking send completes as soon
// as the payload is handed to the transport. Collectives are built from
// point-to-point messages on tags reserved by this package.
//
// Two transports exist: an in-process world (NewLocalWorld) where every
// rank is a goroutine, and a TCP world (DialTCP) where every rank is an OS
// process speaking the worker protocol's JSON-lines framing.
package comm

import (
	"context"
	"errors"
)

// Undefined is the Split color of ranks that leave the group.
const Undefined = -1

// Reserved tags. User point-to-point tags must be non-negative.
const (
	tagBcast     = -1
	tagAllgather = -2
)

var (
	// ErrCanceled completes a request that was cancelled before delivery.
	ErrCanceled = errors.New("comm: request canceled")

	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("comm: endpoint closed")

	// ErrInvalidTag is returned for negative user tags.
	ErrInvalidTag = errors.New("comm: tag must be non-negative")

	// ErrInvalidRank is returned for ranks outside the group.
	ErrInvalidRank = errors.New("comm: rank out of range")
)

// Op is a reduction operator for Allreduce.
type Op int

const (
	OpSum Op = iota
	OpProd
	OpMax
	OpMin
	OpLAND
	OpLOR
)

// String returns the operator name.
func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpProd:
		return "prod"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	case OpLAND:
		return "land"
	case OpLOR:
		return "lor"
	default:
		return "unknown"
	}
}

// Communicator is an ordered group of ranks.
//
// Ranks passed to and returned by a Communicator are local to the group:
// 0 <= rank < Size(). Blocking operations honor ctx cancellation.
type Communicator interface {
	// Rank returns the caller's rank in the group.
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Send delivers payload to dest. It returns once the payload has been
	// handed to the transport.
	Send(ctx context.Context, dest, tag int, payload []byte) error

	// Isend starts a send and returns its handle.
	Isend(dest, tag int, payload []byte) Request

	// Recv blocks for the next message from source with the given tag.
	Recv(ctx context.Context, source, tag int) ([]byte, error)

	// RecvAny blocks for the first message from source carrying any of
	// tags and reports which tag matched.
	RecvAny(ctx context.Context, source int, tags ...int) (int, []byte, error)

	// Iprobe reports whether a message from source with tag is pending.
	Iprobe(source, tag int) bool

	// Bcast distributes root's payload to every rank and returns it.
	Bcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	// Allgather returns every rank's payload indexed by rank.
	Allgather(ctx context.Context, payload []byte) ([][]byte, error)

	// Allreduce combines value across ranks in rank order.
	Allreduce(ctx context.Context, value float64, op Op) (float64, error)

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error

	// Split partitions the group by color. Ranks with the same color form
	// a new group ordered by (key, old rank). A negative color returns a
	// nil Communicator.
	Split(ctx context.Context, color, key int) (Communicator, error)

	// Epoch returns a view of the same group whose messages are isolated
	// from every other epoch and from the parent.
	Epoch(n int) Communicator

	// Free releases the communicator. Freeing the world communicator
	// closes the underlying transport; freeing any other drops the
	// messages still queued for it.
	Free() error
}

// AllreduceBool reduces a boolean with OpLAND or OpLOR.
func AllreduceBool(ctx context.Context, c Communicator, value bool, op Op) (bool, error) {
	v := 0.0
	if value {
		v = 1
	}
	out, err := c.Allreduce(ctx, v, op)
	if err != nil {
		return false, err
	}
	return out != 0, nil
}

// Envelope is one message as it travels between endpoints.
type Envelope struct {
	// Context identifies the communicator the message belongs to.
	Context string

	// Source is the sender's world rank.
	Source int

	// Tag is the message tag.
	Tag int

	// Payload is the message body.
	Payload []byte
}

// Transport moves envelopes between world ranks.
type Transport interface {
	// Post hands env to the transport for delivery to world rank dest.
	Post(dest int, env Envelope) Request

	// Close shuts the transport down and fails pending receives.
	Close() error
}
