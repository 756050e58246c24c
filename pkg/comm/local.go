package comm

// localTransport delivers envelopes between endpoints of one process.
type localTransport struct {
	self      int
	endpoints []*Endpoint
}

// NewLocalWorld returns the world communicators of an in-process group of
// size ranks, indexed by rank. Every rank is meant to run on its own
// goroutine.
func NewLocalWorld(size int) []Communicator {
	endpoints := make([]*Endpoint, size)
	for rank := range endpoints {
		endpoints[rank] = NewEndpoint(rank, size, &localTransport{self: rank, endpoints: endpoints})
	}

	world := make([]Communicator, size)
	for rank, ep := range endpoints {
		world[rank] = ep.World()
	}
	return world
}

func (t *localTransport) Post(dest int, env Envelope) Request {
	if dest < 0 || dest >= len(t.endpoints) {
		return completedRequest(ErrInvalidRank)
	}
	payload := make([]byte, len(env.Payload))
	copy(payload, env.Payload)
	env.Payload = payload
	t.endpoints[dest].Deliver(env)
	return completedRequest(nil)
}

// Close fails the receives of this rank only; peers keep running.
func (t *localTransport) Close() error {
	t.endpoints[t.self].Fail(ErrClosed)
	return nil
}
