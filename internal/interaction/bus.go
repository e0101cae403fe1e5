// Package interaction fans user interaction signals (pointer, keyboard,
// scroll, resize) out to subscribers. The session bootstrapper uses it to
// defer its first run until the shopper does something.
package interaction

import (
	"sort"
	"sync"
)

// Kind names one interaction signal.
type Kind string

const (
	PointerDown Kind = "pointerdown"
	KeyDown     Kind = "keydown"
	TouchStart  Kind = "touchstart"
	Scroll      Kind = "scroll"
	Wheel       Kind = "wheel"
	Click       Kind = "click"
	Resize      Kind = "resize"
	PointerMove Kind = "pointermove"
	PointerOver Kind = "pointerover"
)

// DefaultKinds is the set of signals that count as a first interaction.
var DefaultKinds = []Kind{PointerDown, KeyDown, TouchStart, Scroll, Wheel, Click, Resize, PointerMove, PointerOver}

// ParseKind reports whether name is one of DefaultKinds.
func ParseKind(name string) (Kind, bool) {
	for _, k := range DefaultKinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// Source is what a subscriber needs from a bus.
type Source interface {
	Once(kinds []Kind, handler func(Kind)) *Subscription
}

// Bus delivers emitted kinds to every live subscription registered for them.
// Handlers run on the emitting goroutine.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Kind]map[uint64]*Subscription
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]map[uint64]*Subscription)}
}

// Subscription is a handle returned by Subscribe and Once.
type Subscription struct {
	bus     *Bus
	id      uint64
	kinds   []Kind
	once    bool
	handler func(Kind)

	mu    sync.Mutex
	fired bool
	done  bool
}

// Subscribe registers handler for every emission of the given kinds until
// the subscription is cancelled.
func (b *Bus) Subscribe(kinds []Kind, handler func(Kind)) *Subscription {
	return b.register(kinds, handler, false)
}

// Once registers handler for the first emission of any of the given kinds.
// The subscription cancels itself before the handler runs, so the handler
// is invoked at most once even under concurrent emits.
func (b *Bus) Once(kinds []Kind, handler func(Kind)) *Subscription {
	return b.register(kinds, handler, true)
}

func (b *Bus) register(kinds []Kind, handler func(Kind), once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextID,
		kinds:   dedupe(kinds),
		once:    once,
		handler: handler,
	}
	for _, kind := range sub.kinds {
		set, ok := b.subs[kind]
		if !ok {
			set = make(map[uint64]*Subscription)
			b.subs[kind] = set
		}
		set[sub.id] = sub
	}
	return sub
}

// Emit delivers kind to its subscribers and reports how many handlers ran.
func (b *Bus) Emit(kind Kind) int {
	b.mu.Lock()
	set := b.subs[kind]
	targets := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(kind) {
			delivered++
		}
	}
	return delivered
}

// Listeners reports how many live subscriptions would receive kind.
func (b *Bus) Listeners(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[kind])
}

func (s *Subscription) deliver(kind Kind) bool {
	s.mu.Lock()
	if s.done || (s.once && s.fired) {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	s.mu.Unlock()

	if s.once {
		s.Cancel()
	}
	if s.handler != nil {
		s.handler(kind)
	}
	return true
}

// Cancel detaches the subscription from every kind. Calling it more than
// once, or after a Once subscription fired, is a no-op.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range s.kinds {
		set := b.subs[kind]
		delete(set, s.id)
		if len(set) == 0 {
			delete(b.subs, kind)
		}
	}
}

// Active reports whether the subscription can still receive signals.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done
}

func dedupe(kinds []Kind) []Kind {
	seen := make(map[Kind]struct{}, len(kinds))
	out := make([]Kind, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
