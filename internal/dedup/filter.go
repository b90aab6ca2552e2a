// Package dedup filters duplicate messages arriving on a reconnecting,
// at-least-once transport by message id.
package dedup

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/wire"
)

// window bounds how many recently-seen message ids are retained; beyond
// this the oldest entries are evicted, since a transport reconnect only
// ever replays a small recent tail.
const window = 4096

// Filter drops messages whose (ID, Index) pair has already been seen,
// passing every other message through unchanged and in order.
type Filter struct {
	logger zerolog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order *list.List
}

// NewFilter creates a Filter. An empty logger is fine; NewFilter tags it
// with a component field for trace correlation.
func NewFilter(logger zerolog.Logger) *Filter {
	return &Filter{
		logger: logger.With().Str("component", "dedup-filter").Logger(),
		seen:   make(map[string]struct{}),
		order:  list.New(),
	}
}

// Run drains in, forwarding messages not seen before onto the returned
// channel, and closes the output when either in closes or ctx is
// cancelled.
func (f *Filter) Run(ctx context.Context, in <-chan wire.Message) <-chan wire.Message {
	out := make(chan wire.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if f.seenBefore(msg) {
					f.logger.Debug().Str("id", key(msg)).Msg("dropped duplicate message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Allow reports whether msg is new, recording it as seen as a side effect.
// It is equivalent to what Run does per-message but usable without a
// channel pipeline (e.g. a single inbound ack).
func (f *Filter) Allow(msg wire.Message) bool {
	return !f.seenBefore(msg)
}

func (f *Filter) seenBefore(msg wire.Message) bool {
	k := key(msg)
	if k == "" {
		return false // no message id: nothing to dedup against
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[k]; ok {
		return true
	}
	f.seen[k] = struct{}{}
	f.order.PushBack(k)
	if f.order.Len() > window {
		oldest := f.order.Front()
		f.order.Remove(oldest)
		delete(f.seen, oldest.Value.(string))
	}
	return false
}

func key(msg wire.Message) string {
	if msg.MsgID.ID == "" {
		return ""
	}
	return msg.MsgID.ID + ":" + strconv.FormatInt(msg.MsgID.Index, 10)
}
