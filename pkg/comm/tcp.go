package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/openpint/openpint/pkg/worker/protocol"
)

// TCPConfig describes one rank of a TCP world.
type TCPConfig struct {
	// RunID must match on every rank; links from other runs are refused.
	RunID string

	// Rank is this process's world rank.
	Rank int

	// Peers holds the listen address of every rank, indexed by rank.
	Peers []string

	// Listener is used instead of listening on Peers[Rank] when set.
	// DialTCP takes ownership of it.
	Listener net.Listener

	// ConnectTimeout bounds the time spent establishing every link.
	ConnectTimeout time.Duration
}

// Validate checks the configuration.
func (c *TCPConfig) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, c.Rank, len(c.Peers))
	}
	return nil
}

// DialTCP joins a TCP world and returns its world communicator. Rank r
// accepts links from every higher rank and dials every lower rank, so each
// pair of ranks shares exactly one connection.
func DialTCP(ctx context.Context, cfg TCPConfig) (Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tcp config: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Peers[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Peers[cfg.Rank], err)
		}
	}
	defer ln.Close()

	size := len(cfg.Peers)
	t := &tcpTransport{
		self:  cfg.Rank,
		links: make([]*tcpLink, size),
	}
	t.ep = NewEndpoint(cfg.Rank, size, t)

	errCh := make(chan error, size)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- t.acceptPeers(ctx, ln, cfg.RunID, size-1-cfg.Rank)
	}()

	for peer := 0; peer < cfg.Rank; peer++ {
		wg.Add(1)
		go func(peer int) {
			defer wg.Done()
			errCh <- t.dialPeer(ctx, cfg, peer)
		}(peer)
	}

	// A blocked Accept only wakes when the listener closes.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		t.Close()
		return nil, fmt.Errorf("failed to join tcp world: %w", errors.Join(errs...))
	}

	for _, l := range t.links {
		if l != nil {
			go t.readLoop(l)
			go l.writeLoop()
		}
	}

	log.Debug().Int("rank", cfg.Rank).Int("size", size).Msg("tcp world established")
	return t.ep.World(), nil
}

// tcpTransport is a full mesh of links between world ranks.
type tcpTransport struct {
	self int
	ep   *Endpoint

	mu     sync.Mutex
	links  []*tcpLink
	closed bool
}

// tcpLink is one connection to a peer rank.
type tcpLink struct {
	peer int
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder

	mu     sync.Mutex
	queue  []outbound
	wake   chan struct{}
	err    error
	closed bool
}

type outbound struct {
	msg protocol.DataMessage
	req *request
}

func newTCPLink(peer int, conn net.Conn, dec *protocol.Decoder) *tcpLink {
	return &tcpLink{
		peer: peer,
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		dec:  dec,
		wake: make(chan struct{}, 1),
	}
}

func (t *tcpTransport) register(l *tcpLink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.links[l.peer] != nil {
		return fmt.Errorf("duplicate link from rank %d", l.peer)
	}
	t.links[l.peer] = l
	return nil
}

func (t *tcpTransport) acceptPeers(ctx context.Context, ln net.Listener, runID string, count int) error {
	for i := 0; i < count; i++ {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("accept: %w", ctx.Err())
			}
			return fmt.Errorf("accept: %w", err)
		}

		dec := protocol.NewDecoder(conn)
		hello, err := dec.DecodeHello()
		if err != nil {
			conn.Close()
			return fmt.Errorf("handshake from %s: %w", conn.RemoteAddr(), err)
		}
		if hello.RunID != runID || hello.Size != len(t.links) || hello.Rank <= t.self {
			conn.Close()
			return fmt.Errorf("unexpected peer %s: run=%s rank=%d size=%d",
				conn.RemoteAddr(), hello.RunID, hello.Rank, hello.Size)
		}

		if err := t.register(newTCPLink(hello.Rank, conn, dec)); err != nil {
			conn.Close()
			return err
		}
		log.Debug().Int("rank", t.self).Int("peer", hello.Rank).Msg("accepted peer link")
	}
	return nil
}

func (t *tcpTransport) dialPeer(ctx context.Context, cfg TCPConfig, peer int) error {
	var dialer net.Dialer
	address := cfg.Peers[peer]

	// Lower ranks may not be listening yet.
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return fmt.Errorf("dial rank %d at %s: %w", peer, address, err)
	}

	l := newTCPLink(peer, conn, protocol.NewDecoder(conn))
	hello := &protocol.HelloMessage{RunID: cfg.RunID, Rank: cfg.Rank, Size: len(cfg.Peers)}
	if err := l.enc.EncodeHello(hello); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with rank %d: %w", peer, err)
	}

	if err := t.register(l); err != nil {
		conn.Close()
		return err
	}
	log.Debug().Int("rank", t.self).Int("peer", peer).Msg("dialed peer link")
	return nil
}

// readLoop feeds every DATA message of a link into the endpoint's mailbox.
func (t *tcpTransport) readLoop(l *tcpLink) {
	for {
		msg, err := l.dec.Decode()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if errors.Is(err, io.EOF) {
				// The peer finished; messages it sent are already queued.
				log.Debug().Int("rank", t.self).Int("peer", l.peer).Msg("peer link closed")
				l.fail(fmt.Errorf("link to rank %d closed", l.peer))
				return
			}
			t.ep.Fail(fmt.Errorf("link to rank %d: %w", l.peer, err))
			return
		}

		if msg.Type != protocol.MessageTypeData {
			log.Warn().Int("peer", l.peer).Str("type", string(msg.Type)).Msg("ignoring unexpected message on peer link")
			continue
		}

		var data protocol.DataMessage
		if err := protocol.ParseParams(msg.Data, &data); err != nil {
			t.ep.Fail(fmt.Errorf("link to rank %d: %w", l.peer, err))
			return
		}
		t.ep.Deliver(Envelope{
			Context: data.Context,
			Source:  l.peer,
			Tag:     data.Tag,
			Payload: data.Payload,
		})
	}
}

func (t *tcpTransport) Post(dest int, env Envelope) Request {
	if dest < 0 || dest >= len(t.links) {
		return completedRequest(ErrInvalidRank)
	}
	if dest == t.self {
		payload := make([]byte, len(env.Payload))
		copy(payload, env.Payload)
		env.Payload = payload
		t.ep.Deliver(env)
		return completedRequest(nil)
	}

	t.mu.Lock()
	l := t.links[dest]
	closed := t.closed
	t.mu.Unlock()
	if closed || l == nil {
		return completedRequest(ErrClosed)
	}

	req := newRequest()
	l.enqueue(outbound{
		msg: protocol.DataMessage{
			Context: env.Context,
			Source:  env.Source,
			Tag:     env.Tag,
			Payload: env.Payload,
		},
		req: req,
	})
	return req
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := t.links
	t.mu.Unlock()

	var errs []error
	for _, l := range links {
		if l == nil {
			continue
		}
		l.shutdown()
		if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.ep.Fail(ErrClosed)
	return errors.Join(errs...)
}

func (l *tcpLink) enqueue(out outbound) {
	l.mu.Lock()
	if l.err != nil || l.closed {
		err := l.err
		if err == nil {
			err = ErrClosed
		}
		l.mu.Unlock()
		out.req.complete(err)
		return
	}
	l.queue = append(l.queue, out)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// writeLoop writes queued messages in order and completes their requests.
func (l *tcpLink) writeLoop() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		failed := l.err
		l.mu.Unlock()

		for _, out := range batch {
			if failed != nil {
				out.req.complete(failed)
				continue
			}
			if err := l.enc.EncodeData(&out.msg); err != nil {
				failed = fmt.Errorf("send to rank %d: %w", l.peer, err)
				l.fail(failed)
			}
			out.req.complete(failed)
		}
	}
}

func (l *tcpLink) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *tcpLink) shutdown() {
	l.mu.Lock()
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, out := range pending {
		out.req.complete(ErrClosed)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
