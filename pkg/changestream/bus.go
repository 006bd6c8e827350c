// Package changestream fans planner change events out to websocket clients.
package changestream

import (
	"context"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// AllPrefixes subscribes to events of every table set.
const AllPrefixes = "*"

// Bus broadcasts events to subscribers through a single owner goroutine.
type Bus struct {
	publish     chan planner.Event
	subscribe   chan subscription
	unsubscribe chan subscription
	count       chan chan int
}

type subscription struct {
	prefix string
	ch     chan planner.Event
}

// NewBus starts the broadcaster. It lives as long as the process; callers
// prune subscribers through their contexts.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan planner.Event, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		count:       make(chan chan int),
	}
	go b.run()
	return b
}

// Publish never blocks: events are dropped when the queue is full.
func (b *Bus) Publish(e planner.Event) {
	if b == nil {
		return
	}
	select {
	case b.publish <- e:
	default:
	}
}

// Subscribe returns events for prefix (or AllPrefixes). The channel closes
// when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, prefix string, buffer int) <-chan planner.Event {
	ch := make(chan planner.Event, buffer)
	req := subscription{prefix: prefix, ch: ch}
	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()
	return ch
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	reply := make(chan int)
	b.count <- reply
	return <-reply
}

func (b *Bus) run() {
	listeners := make(map[string][]chan planner.Event)
	total := 0

	for {
		select {
		case req := <-b.subscribe:
			listeners[req.prefix] = append(listeners[req.prefix], req.ch)
			total++
		case req := <-b.unsubscribe:
			chans := listeners[req.prefix]
			filtered := chans[:0]
			for _, existing := range chans {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			total -= len(chans) - len(filtered)
			if len(filtered) == 0 {
				delete(listeners, req.prefix)
			} else {
				listeners[req.prefix] = filtered
			}
		case reply := <-b.count:
			reply <- total
		case e := <-b.publish:
			deliver(listeners[e.Prefix], e)
			if e.Prefix != AllPrefixes {
				deliver(listeners[AllPrefixes], e)
			}
		}
	}
}

// deliver drops events for slow subscribers instead of stalling the bus.
func deliver(subs []chan planner.Event, e planner.Event) {
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
