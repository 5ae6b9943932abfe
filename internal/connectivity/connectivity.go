// Package connectivity reports whether the Backend is reachable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Provider is the injected online/offline capability.
type Provider interface {
	IsOnline() bool
	// Subscribe registers fn for every transition; the returned func removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// notifier fans transitions out to subscribers.
type notifier struct {
	mu     sync.Mutex
	next   int
	online bool
	subs   map[int]func(bool)
}

func newNotifier(online bool) *notifier {
	return &notifier{online: online, subs: make(map[int]func(bool))}
}

func (n *notifier) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Subscribe(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// set records the state and returns true if it changed.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Static is a manually driven Provider for tests and OFFLINE_MODE.
type Static struct {
	*notifier
}

func NewStatic(online bool) *Static {
	return &Static{notifier: newNotifier(online)}
}

// Set changes the state, notifying subscribers on a transition.
func (s *Static) Set(online bool) {
	s.set(online)
}

// Pinger is anything that can check the Backend, e.g. appointment.Repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings the Backend on an interval and flips state on the result.
type Probe struct {
	*notifier
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewProbe(pinger Pinger, interval, timeout time.Duration, logger zerolog.Logger) *Probe {
	return &Probe{
		notifier: newNotifier(false),
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Check runs one probe and returns the resulting state.
func (p *Probe) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.pinger.Ping(pingCtx)
	cancel()

	online := err == nil
	if p.set(online) {
		evt := p.logger.Info()
		if err != nil {
			evt = p.logger.Warn().Err(err)
		}
		evt.Bool("online", online).Msg("backend connectivity changed")
	}
	return online
}

// Run probes until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
