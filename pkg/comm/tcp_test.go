package comm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// dialTCPWorld builds a TCP world of size ranks on loopback listeners.
func dialTCPWorld(t *testing.T, size int) []Communicator {
	t.Helper()

	listeners := make([]net.Listener, size)
	peers := make([]string, size)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("net.Listen() error = %v", err)
		}
		listeners[i] = ln
		peers[i] = ln.Addr().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	world := make([]Communicator, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			world[rank], errs[rank] = DialTCP(ctx, TCPConfig{
				RunID:    "test-run",
				Rank:     rank,
				Peers:    peers,
				Listener: listeners[rank],
			})
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("DialTCP(rank %d) error = %v", rank, err)
		}
	}
	t.Cleanup(func() {
		for _, c := range world {
			c.Free()
		}
	})
	return world
}

func TestTCPConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TCPConfig
		wantErr bool
	}{
		{"valid", TCPConfig{RunID: "r", Rank: 1, Peers: []string{"a", "b"}}, false},
		{"missing run", TCPConfig{Rank: 0, Peers: []string{"a"}}, true},
		{"no peers", TCPConfig{RunID: "r"}, true},
		{"rank out of range", TCPConfig{RunID: "r", Rank: 2, Peers: []string{"a", "b"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ringExchange passes a counter around the ring and returns what each rank
// received.
func ringExchange(ctx context.Context, c Communicator, rounds int) ([]string, error) {
	next := (c.Rank() + 1) % c.Size()
	prev := (c.Rank() - 1 + c.Size()) % c.Size()

	var got []string
	for i := 0; i < rounds; i++ {
		req := c.Isend(next, i, []byte(fmt.Sprintf("%d:%d", c.Rank(), i)))
		payload, err := c.Recv(ctx, prev, i)
		if err != nil {
			return nil, err
		}
		if err := req.Wait(ctx); err != nil {
			return nil, err
		}
		got = append(got, string(payload))
	}

	sum, err := c.Allreduce(ctx, float64(c.Rank()), OpSum)
	if err != nil {
		return nil, err
	}
	got = append(got, fmt.Sprintf("sum=%v", sum))
	return got, nil
}

func TestTCPMatchesLocal(t *testing.T) {
	const size, rounds = 3, 4
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	collect := func(world []Communicator) [][]string {
		out := make([][]string, len(world))
		runWorld(t, world, func(c Communicator) error {
			got, err := ringExchange(ctx, c, rounds)
			out[c.Rank()] = got
			return err
		})
		return out
	}

	local := collect(NewLocalWorld(size))
	remote := collect(dialTCPWorld(t, size))

	for rank := range local {
		if fmt.Sprint(local[rank]) != fmt.Sprint(remote[rank]) {
			t.Errorf("rank %d: local %v, tcp %v", rank, local[rank], remote[rank])
		}
	}
}

func TestTCPSplitAndEpoch(t *testing.T) {
	ctx := testContext(t)
	world := dialTCPWorld(t, 3)

	runWorld(t, world, func(c Communicator) error {
		color := 0
		if c.Rank() == 0 {
			color = Undefined
		}
		sub, err := c.Split(ctx, color, c.Rank())
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		view := sub.Epoch(7)
		got, err := view.Bcast(ctx, 1, []byte{byte(c.Rank())})
		if err != nil {
			return err
		}
		if got[0] != 2 {
			return fmt.Errorf("bcast payload = %d, want world rank 2", got[0])
		}
		return nil
	})
}
