package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Endpoint is one world rank's attachment to a transport.
type Endpoint struct {
	rank      int
	size      int
	box       *mailbox
	transport Transport
}

// NewEndpoint wires a transport and the mailbox it delivers into. Transports
// call Deliver on the returned endpoint for every inbound envelope.
func NewEndpoint(rank, size int, transport Transport) *Endpoint {
	return &Endpoint{
		rank:      rank,
		size:      size,
		box:       newMailbox(),
		transport: transport,
	}
}

// Deliver queues an inbound envelope.
func (e *Endpoint) Deliver(env Envelope) {
	e.box.put(env)
}

// Fail makes pending and future receives on this endpoint return err.
func (e *Endpoint) Fail(err error) {
	e.box.fail(err)
}

// Pending returns the number of delivered but unreceived envelopes.
func (e *Endpoint) Pending() int {
	return e.box.pending()
}

// World returns the communicator spanning every rank of the endpoint.
func (e *Endpoint) World() Communicator {
	ranks := make([]int, e.size)
	for i := range ranks {
		ranks[i] = i
	}
	return &communicator{
		ep:      e,
		context: "w",
		ranks:   ranks,
		rank:    e.rank,
		owner:   true,
	}
}

// communicator is the transport-independent Communicator implementation.
type communicator struct {
	ep      *Endpoint
	context string
	ranks   []int
	rank    int
	owner   bool

	mu     sync.Mutex
	splits int
	freed  bool
}

func (c *communicator) Rank() int { return c.rank }

func (c *communicator) Size() int { return len(c.ranks) }

func (c *communicator) world(rank int) (int, error) {
	if rank < 0 || rank >= len(c.ranks) {
		return 0, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidRank, rank, len(c.ranks))
	}
	return c.ranks[rank], nil
}

func (c *communicator) matcher(source int, tags ...int) func(Envelope) bool {
	return func(env Envelope) bool {
		if env.Context != c.context || env.Source != source {
			return false
		}
		for _, tag := range tags {
			if env.Tag == tag {
				return true
			}
		}
		return false
	}
}

func (c *communicator) post(dest, tag int, payload []byte) Request {
	w, err := c.world(dest)
	if err != nil {
		return completedRequest(err)
	}
	return c.ep.transport.Post(w, Envelope{
		Context: c.context,
		Source:  c.ep.rank,
		Tag:     tag,
		Payload: payload,
	})
}

func (c *communicator) receive(ctx context.Context, source int, tags ...int) (Envelope, error) {
	w, err := c.world(source)
	if err != nil {
		return Envelope{}, err
	}
	return c.ep.box.take(ctx, c.matcher(w, tags...))
}

func (c *communicator) Send(ctx context.Context, dest, tag int, payload []byte) error {
	return c.Isend(dest, tag, payload).Wait(ctx)
}

func (c *communicator) Isend(dest, tag int, payload []byte) Request {
	if tag < 0 {
		return completedRequest(ErrInvalidTag)
	}
	return c.post(dest, tag, payload)
}

func (c *communicator) Recv(ctx context.Context, source, tag int) ([]byte, error) {
	if tag < 0 {
		return nil, ErrInvalidTag
	}
	env, err := c.receive(ctx, source, tag)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

func (c *communicator) RecvAny(ctx context.Context, source int, tags ...int) (int, []byte, error) {
	if len(tags) == 0 {
		return 0, nil, fmt.Errorf("comm: RecvAny needs at least one tag")
	}
	for _, tag := range tags {
		if tag < 0 {
			return 0, nil, ErrInvalidTag
		}
	}
	env, err := c.receive(ctx, source, tags...)
	if err != nil {
		return 0, nil, err
	}
	return env.Tag, env.Payload, nil
}

func (c *communicator) Iprobe(source, tag int) bool {
	w, err := c.world(source)
	if err != nil || tag < 0 {
		return false
	}
	return c.ep.box.probe(c.matcher(w, tag))
}

func (c *communicator) Bcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if _, err := c.world(root); err != nil {
		return nil, err
	}
	if c.rank == root {
		for dest := range c.ranks {
			if dest == root {
				continue
			}
			if err := c.post(dest, tagBcast, payload).Wait(ctx); err != nil {
				return nil, fmt.Errorf("bcast to %d: %w", dest, err)
			}
		}
		return payload, nil
	}
	env, err := c.receive(ctx, root, tagBcast)
	if err != nil {
		return nil, fmt.Errorf("bcast from %d: %w", root, err)
	}
	return env.Payload, nil
}

func (c *communicator) Allgather(ctx context.Context, payload []byte) ([][]byte, error) {
	for dest := range c.ranks {
		if dest == c.rank {
			continue
		}
		if err := c.post(dest, tagAllgather, payload).Wait(ctx); err != nil {
			return nil, fmt.Errorf("allgather to %d: %w", dest, err)
		}
	}

	out := make([][]byte, len(c.ranks))
	out[c.rank] = payload
	for source := range c.ranks {
		if source == c.rank {
			continue
		}
		env, err := c.receive(ctx, source, tagAllgather)
		if err != nil {
			return nil, fmt.Errorf("allgather from %d: %w", source, err)
		}
		out[source] = env.Payload
	}
	return out, nil
}

func (c *communicator) Allreduce(ctx context.Context, value float64, op Op) (float64, error) {
	parts, err := c.Allgather(ctx, EncodeFloat64(value))
	if err != nil {
		return 0, err
	}
	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := DecodeFloat64(p)
		if err != nil {
			return 0, fmt.Errorf("allreduce from %d: %w", i, err)
		}
		values[i] = v
	}
	return reduce(values, op)
}

func (c *communicator) Barrier(ctx context.Context) error {
	_, err := c.Allgather(ctx, nil)
	return err
}

func (c *communicator) Split(ctx context.Context, color, key int) (Communicator, error) {
	c.mu.Lock()
	seq := c.splits
	c.splits++
	c.mu.Unlock()

	var mine [16]byte
	binary.BigEndian.PutUint64(mine[:8], uint64(int64(color)))
	binary.BigEndian.PutUint64(mine[8:], uint64(int64(key)))
	parts, err := c.Allgather(ctx, mine[:])
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if color < 0 {
		return nil, nil
	}

	type member struct{ key, rank int }
	var members []member
	for rank, p := range parts {
		if len(p) != 16 {
			return nil, fmt.Errorf("split: malformed entry from %d", rank)
		}
		if int(int64(binary.BigEndian.Uint64(p[:8]))) != color {
			continue
		}
		members = append(members, member{key: int(int64(binary.BigEndian.Uint64(p[8:]))), rank: rank})
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].key != members[j].key {
			return members[i].key < members[j].key
		}
		return members[i].rank < members[j].rank
	})

	sub := &communicator{
		ep:      c.ep,
		context: fmt.Sprintf("%s/%d.%d", c.context, seq, color),
		ranks:   make([]int, len(members)),
	}
	for i, m := range members {
		sub.ranks[i] = c.ranks[m.rank]
		if m.rank == c.rank {
			sub.rank = i
		}
	}
	return sub, nil
}

func (c *communicator) Epoch(n int) Communicator {
	return &communicator{
		ep:      c.ep,
		context: fmt.Sprintf("%s#%d", c.context, n),
		ranks:   c.ranks,
		rank:    c.rank,
	}
}

func (c *communicator) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freed {
		return nil
	}
	c.freed = true
	if c.owner {
		return c.ep.transport.Close()
	}
	c.ep.box.discard(c.context)
	return nil
}

func reduce(values []float64, op Op) (float64, error) {
	acc := values[0]
	for _, v := range values[1:] {
		switch op {
		case OpSum:
			acc += v
		case OpProd:
			acc *= v
		case OpMax:
			acc = math.Max(acc, v)
		case OpMin:
			acc = math.Min(acc, v)
		case OpLAND:
			acc = boolValue(acc != 0 && v != 0)
		case OpLOR:
			acc = boolValue(acc != 0 || v != 0)
		default:
			return 0, fmt.Errorf("comm: unknown reduction %d", op)
		}
	}
	if op == OpLAND || op == OpLOR {
		acc = boolValue(acc != 0)
	}
	return acc, nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// EncodeFloat64 encodes v as 8 big-endian bytes.
func EncodeFloat64(v float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}

// DecodeFloat64 decodes a value written by EncodeFloat64.
func DecodeFloat64(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("comm: float64 payload has %d bytes", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// EncodeBool encodes b as one byte.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a value written by EncodeBool.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("comm: bool payload has %d bytes", len(b))
	}
	return b[0] != 0, nil
}
