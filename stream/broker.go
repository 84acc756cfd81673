package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/taxfold/jobqueue/id"
)

// defaultBuffer is the per-subscriber channel depth.
const defaultBuffer = 64

// unlimitedCredits disables flow control for a subscriber until the
// client grants an explicit window.
const unlimitedCredits = int64(-1)

// Subscriber is one consumer of the stream. Delivery is non-blocking:
// a full buffer or an exhausted credit window drops the message and
// bumps the drop counter instead of stalling the broker.
type Subscriber struct {
	id     id.ConnectionID
	userID string
	orgID  string

	mu      sync.Mutex
	filters map[string]Filter

	ch      chan *Message
	closed  atomic.Bool
	credits atomic.Int64
	dropped atomic.Int64
}

// ID returns the subscriber's connection identity.
func (s *Subscriber) ID() id.ConnectionID { return s.id }

// C returns the delivery channel.
func (s *Subscriber) C() <-chan *Message { return s.ch }

// Dropped returns the number of messages dropped for this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// AddFilter narrows the subscription. A subscriber with no filters
// receives the full tenant stream; with filters, a message delivers
// when any filter matches.
func (s *Subscriber) AddFilter(f Filter) {
	s.mu.Lock()
	s.filters[f.Key()] = f
	s.mu.Unlock()
}

// RemoveFilter drops a previously added filter.
func (s *Subscriber) RemoveFilter(f Filter) {
	s.mu.Lock()
	delete(s.filters, f.Key())
	s.mu.Unlock()
}

// Grant sets the subscriber's delivery credit window. Each delivered
// message consumes one credit; at zero, messages drop until the client
// grants more. A negative grant removes the window entirely.
func (s *Subscriber) Grant(credits int64) {
	if credits < 0 {
		credits = unlimitedCredits
	}
	s.credits.Store(credits)
}

// wants reports whether the message passes the subscriber's filters.
func (s *Subscriber) wants(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f.Matches(m) {
			return true
		}
	}
	return false
}

// consumeCredit atomically takes one delivery credit. Unlimited windows
// always succeed.
func (s *Subscriber) consumeCredit() bool {
	for {
		cur := s.credits.Load()
		if cur == unlimitedCredits {
			return true
		}
		if cur <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Broker routes messages to subscribers. Tenant isolation is enforced
// at publish time: a subscriber only ever sees messages for its own
// organization, and user-targeted messages only reach that user.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[string]*Subscriber), logger: logger}
}

// Subscribe registers a consumer scoped to one tenant. The returned
// subscriber starts with an unlimited credit window and no filters.
func (b *Broker) Subscribe(connID id.ConnectionID, userID, orgID string) *Subscriber {
	s := &Subscriber{
		id:      connID,
		userID:  userID,
		orgID:   orgID,
		filters: make(map[string]Filter),
		ch:      make(chan *Message, defaultBuffer),
	}
	s.credits.Store(unlimitedCredits)

	b.mu.Lock()
	b.subs[connID.String()] = s
	b.mu.Unlock()

	b.logger.Debug("stream subscriber added",
		slog.String("connection_id", connID.String()),
		slog.String("organization_id", orgID),
	)
	return s
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broker) Unsubscribe(connID id.ConnectionID) {
	b.mu.Lock()
	s, ok := b.subs[connID.String()]
	delete(b.subs, connID.String())
	b.mu.Unlock()

	if ok && s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Publish routes a message to every matching subscriber. Never blocks.
func (b *Broker) Publish(m *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if m.OrganizationID != "" && s.orgID != m.OrganizationID {
			continue
		}
		if m.UserID != "" && s.userID != m.UserID {
			continue
		}
		if !s.wants(m) {
			continue
		}
		if !s.consumeCredit() {
			s.dropped.Add(1)
			continue
		}
		select {
		case s.ch <- m:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, s := range b.subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.ch)
		}
		delete(b.subs, key)
	}
}
