// Package mock provides an in-memory test double for the agent dispatcher.
//
// Example:
//
//	d := &mock.Dispatcher{Reply: agent.Reply{Text: "Tokyo is 18 degrees and clear"}}
//	reply, err := d.Dispatch(ctx, "what's the weather in Tokyo")
package mock

import (
	"context"
	"sync"

	"github.com/mawwalker/moss/internal/agent"
)

// Dispatcher is a mock of [agent.Dispatcher]'s Dispatch method.
type Dispatcher struct {
	mu sync.Mutex

	// Reply is returned by Dispatch when Err is nil.
	Reply agent.Reply

	// Err, if non-nil, is returned by Dispatch.
	Err error

	// Block makes Dispatch wait until ctx is done and return ctx.Err(),
	// simulating a slow agent.
	Block bool

	calls   []string
	started chan string
}

// Dispatch records text and returns the configured reply.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (agent.Reply, error) {
	d.mu.Lock()
	d.calls = append(d.calls, text)
	if d.started == nil {
		d.started = make(chan string, 16)
	}
	select {
	case d.started <- text:
	default:
	}
	reply, err, block := d.Reply, d.Err, d.Block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return agent.Reply{}, ctx.Err()
	}
	if err != nil {
		return agent.Reply{}, err
	}
	return reply, nil
}

// Calls returns the texts passed to Dispatch, in order.
func (d *Dispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Started delivers the text of each Dispatch call as it begins.
func (d *Dispatcher) Started() <-chan string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started == nil {
		d.started = make(chan string, 16)
	}
	return d.started
}

// Set updates the configurable fields under the lock.
func (d *Dispatcher) Set(fn func(d *Dispatcher)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}
