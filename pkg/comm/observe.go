package comm

import "context"

// Observer is told about every point-to-point message of an observed
// communicator. Calls come from the goroutine performing the operation.
type Observer interface {
	MessageSent(tag int)
	MessageReceived(tag int)
}

// Observe wraps c so that obs sees every Send, Isend, Recv and RecvAny.
// Groups derived through Split and Epoch are observed as well.
// Collectives are not reported.
func Observe(c Communicator, obs Observer) Communicator {
	if c == nil || obs == nil {
		return c
	}
	return &observed{Communicator: c, obs: obs}
}

type observed struct {
	Communicator
	obs Observer
}

func (o *observed) Send(ctx context.Context, dest, tag int, payload []byte) error {
	if err := o.Communicator.Send(ctx, dest, tag, payload); err != nil {
		return err
	}
	o.obs.MessageSent(tag)
	return nil
}

func (o *observed) Isend(dest, tag int, payload []byte) Request {
	req := o.Communicator.Isend(dest, tag, payload)
	o.obs.MessageSent(tag)
	return req
}

func (o *observed) Recv(ctx context.Context, source, tag int) ([]byte, error) {
	payload, err := o.Communicator.Recv(ctx, source, tag)
	if err != nil {
		return nil, err
	}
	o.obs.MessageReceived(tag)
	return payload, nil
}

func (o *observed) RecvAny(ctx context.Context, source int, tags ...int) (int, []byte, error) {
	tag, payload, err := o.Communicator.RecvAny(ctx, source, tags...)
	if err != nil {
		return tag, nil, err
	}
	o.obs.MessageReceived(tag)
	return tag, payload, nil
}

func (o *observed) Split(ctx context.Context, color, key int) (Communicator, error) {
	sub, err := o.Communicator.Split(ctx, color, key)
	if err != nil || sub == nil {
		return sub, err
	}
	return &observed{Communicator: sub, obs: o.obs}, nil
}

func (o *observed) Epoch(n int) Communicator {
	return &observed{Communicator: o.Communicator.Epoch(n), obs: o.obs}
}
