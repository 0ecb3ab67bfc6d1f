// gateway.go bridges provider-thread push callbacks onto engine goroutines.
//
// The provider invokes the push callback on its own goroutine. The callback
// must return immediately, so it only posts to a bounded channel; a
// dedicated drain goroutine fans events out to per-subscriber channels.
// Neither side ever blocks: if a buffer is full the event is dropped and
// counted, never queued against the provider.
package quote

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"tradecore/pkg/types"
)

const (
	inboundBuffer    = 1024
	subscriberBuffer = 256
)

// Gateway fans provider push events out to engine subscribers.
type Gateway struct {
	provider Provider
	logger   *slog.Logger

	in      chan types.PushEvent
	dropped atomic.Int64

	mu   sync.RWMutex
	subs []chan types.PushEvent
}

// NewGateway wires the gateway as the provider's push callback.
func NewGateway(provider Provider, logger *slog.Logger) *Gateway {
	g := &Gateway{
		provider: provider,
		logger:   logger.With("component", "quote_gateway"),
		in:       make(chan types.PushEvent, inboundBuffer),
	}
	provider.SetOnPush(g.post)
	return g
}

// post is the provider-thread callback. It must not block or panic.
func (g *Gateway) post(evt types.PushEvent) {
	select {
	case g.in <- evt:
	default:
		g.dropped.Add(1)
	}
}

// Run drains the inbound channel and fans events out. Blocks until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-g.in:
			g.fanOut(evt)
		}
	}
}

// Subscribe returns a channel receiving all push events. The channel is
// buffered; slow consumers lose events rather than stalling the drain loop.
func (g *Gateway) Subscribe() <-chan types.PushEvent {
	ch := make(chan types.PushEvent, subscriberBuffer)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

// Dropped returns how many events were discarded because the inbound
// buffer was full.
func (g *Gateway) Dropped() int64 {
	return g.dropped.Load()
}

// Watch subscribes the underlying provider to the given symbols.
func (g *Gateway) Watch(ctx context.Context, symbols []string) error {
	return g.provider.Subscribe(ctx, symbols, []types.SubType{types.SubQuote, types.SubDepth}, true)
}

// Unwatch releases provider subscriptions, used during shutdown.
func (g *Gateway) Unwatch(ctx context.Context, symbols []string) error {
	return g.provider.Unsubscribe(ctx, symbols)
}

func (g *Gateway) fanOut(evt types.PushEvent) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, ch := range g.subs {
		select {
		case ch <- evt:
		default:
			g.dropped.Add(1)
		}
	}
}
