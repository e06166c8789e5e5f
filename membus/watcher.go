package membus

import (
	"maps"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dsb"
)

const maxWatcherQueue = 20

// Watch watches the bus for signals and property changes emitted by
// services.
//
// A newly created Watcher delivers no notifications. The caller must
// use [Watcher.Match] to specify which notifications the Watcher
// should provide.
func (b *Bus) Watch() *Watcher {
	w := &Watcher{
		bus:         b,
		notes:       make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers.Add(w)
	return w
}

// A Watcher delivers notifications emitted on the bus that match its
// filters.
type Watcher struct {
	bus      *Bus
	notes    chan *Notification
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Notification]
	matches mapset.Set[*Match]
}

// Notification is a signal or property change emitted by a service.
type Notification struct {
	Service   string
	Path      string
	Interface string
	// Name is the name of the signal or changed property.
	Name string
	// Session is the session the notification was sent in, or zero
	// for a broadcast.
	Session dsb.SessionID
	// Property reports whether the notification is a property
	// change.
	Property bool
	// Body is the signal arguments or the new property value.
	Body dsb.Args
	// Invalidated reports that a property changed without
	// carrying its new value.
	Invalidated bool
	// Overflow reports that the watcher discarded some notifications
	// that followed this one, due to the caller not processing
	// delivered notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher.
func (w *Watcher) Close() {
	select {
	case <-w.pumpStopped:
		return
	default:
	}

	close(w.stopPump)
	<-w.pumpStopped

	w.bus.mu.Lock()
	delete(w.bus.watchers, w)
	w.bus.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.matches)
	w.queue.Clear()
}

// Chan returns the channel on which notifications are delivered.
//
// The caller must drain this channel promptly, to avoid overflowing
// the Watcher's receive queue and losing notifications of interest.
// Missing notifications due to an overflow are indicated by the
// Overflow field of the [Notification] that immediately precedes the
// discarded ones.
func (w *Watcher) Chan() <-chan *Notification {
	return w.notes
}

// Match requests delivery of notifications that match m.
//
// Matches are additive: a notification is delivered if it matches
// any of the Watcher's matches. The returned remove function removes
// m without affecting other matches.
func (w *Watcher) Match(m *Match) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches.Add(m)
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.matches, m)
	}
}

func (w *Watcher) enqueueLocked(n Notification) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(&n)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) deliver(n Notification) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		// raced with a Close, this watcher is done.
		return
	default:
	}

	want := func() bool {
		for m := range maps.Keys(w.matches) {
			if m.matches(&n) {
				return true
			}
		}
		return false
	}()
	if !want {
		return
	}
	w.enqueueLocked(n)
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.notes)
	for {
		n := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if n == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.notes <- n:
		case <-w.stopPump:
			return
		}
	}
}
