package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
)

type signals struct {
	isConnected         *bool
	isInternetReachable *bool
}

type subscribe struct {
	sub *Subscription
}

type unsubscribe struct {
	id int64
}

type currentQuery struct {
	reply chan State
}

// Subscription delivers classified states. Only the latest undelivered state
// is kept; a slow reader skips intermediate states but never misses the last one.
type Subscription struct {
	id     int64
	states chan State
}

// States returns the channel the subscription receives on. It is closed on
// Unsubscribe or when the oracle stops.
func (s *Subscription) States() <-chan State {
	return s.states
}

// Oracle owns the latest connectivity classification. All state lives in a
// single goroutine fed through msgChan.
type Oracle struct {
	globalIDs int64
	idsMu     sync.Mutex
	started   atomic.Bool
	msgChan   chan interface{}
	done      chan struct{}
}

func NewOracle() *Oracle {
	return &Oracle{
		msgChan: make(chan interface{}),
		done:    make(chan struct{}),
	}
}

// Start runs the owner loop until ctx is cancelled. Only the first call
// starts it.
func (o *Oracle) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(o.done)
		current := Unknown
		subs := make(map[int64]*Subscription)
		defer func() {
			for _, s := range subs {
				close(s.states)
			}
		}()
		for {
			select {
			case msg := <-o.msgChan:
				switch m := msg.(type) {
				case *subscribe:
					subs[m.sub.id] = m.sub
					offer(m.sub, current)
				case *unsubscribe:
					if s, ok := subs[m.id]; ok {
						close(s.states)
						delete(subs, m.id)
					}
				case *signals:
					next := Classify(m.isConnected, m.isInternetReachable)
					if next == current {
						continue
					}
					current = next
					for _, s := range subs {
						offer(s, current)
					}
				case *currentQuery:
					m.reply <- current
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// offer replaces any undelivered state with state.
func offer(s *Subscription, state State) {
	select {
	case <-s.states:
	default:
	}
	s.states <- state
}

// send delivers msg to the owner loop. It reports false when the loop is not
// running.
func (o *Oracle) send(msg interface{}) bool {
	if !o.started.Load() {
		return false
	}
	select {
	case o.msgChan <- msg:
		return true
	case <-o.done:
		return false
	}
}

// Update feeds new raw signals to the oracle. Signals sent before Start are dropped.
func (o *Oracle) Update(isConnected, isInternetReachable *bool) {
	o.send(&signals{isConnected: isConnected, isInternetReachable: isInternetReachable})
}

// Current returns the latest classification, or Unknown while not running.
func (o *Oracle) Current() State {
	q := &currentQuery{reply: make(chan State, 1)}
	if !o.send(q) {
		return Unknown
	}
	return <-q.reply
}

// Subscribe registers a subscriber. The current state is delivered immediately.
func (o *Oracle) Subscribe() *Subscription {
	o.idsMu.Lock()
	o.globalIDs += 1
	id := o.globalIDs
	o.idsMu.Unlock()
	s := &Subscription{id: id, states: make(chan State, 1)}
	if !o.send(&subscribe{sub: s}) {
		close(s.states)
	}
	return s
}

func (o *Oracle) Unsubscribe(s *Subscription) {
	o.send(&unsubscribe{id: s.id})
}
