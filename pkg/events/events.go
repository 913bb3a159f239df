package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened, prefixed by the subsystem it happened in
type EventType string

const (
	EventPhaseChanged     EventType = "lifecycle.phase_changed"
	EventSubscribed       EventType = "lifecycle.subscribed"
	EventActivated        EventType = "lifecycle.activated"
	EventFailed           EventType = "lifecycle.failed"
	EventFault            EventType = "lifecycle.fault"
	EventRegistrationLost EventType = "lifecycle.registration_lost"
	EventTaskLaunched     EventType = "task.launched"
	EventTaskUpdated      EventType = "task.updated"
	EventTaskFailed       EventType = "task.failed"
	EventGroupScaled      EventType = "group.scaled"
	EventOffersDeclined   EventType = "offers.declined"
)

const (
	queueSize      = 100
	subscriberSize = 50

	// HistorySize is how many delivered events Recent can return
	HistorySize = 256
)

// Event is a single framework event as served by the admin API
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber receives events. A subscriber that falls behind by more than
// its buffer misses events.
type Subscriber chan *Event

// Broker fans published events out to subscribers from a single goroutine
// and remembers the last HistorySize of them.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	history     []*Event
	next        int // ring position of the oldest entry once history is full

	queue    chan *Event
	stop     chan struct{}
	stopOnce sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]struct{}),
		history:     make([]*Event, 0, HistorySize),
		queue:       make(chan *Event, queueSize),
		stop:        make(chan struct{}),
	}
}

// Start delivers from a new goroutine
func (b *Broker) Start() {
	go b.Run()
}

// Stop ends delivery. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberSize)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes it
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event, filling in its ID and timestamp. It blocks while
// the queue is full and returns immediately once the broker is stopped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.queue <- event:
	case <-b.stop:
	}
}

// Emit publishes an event whose metadata is given as key/value pairs. A
// trailing key without a value is dropped.
func (b *Broker) Emit(t EventType, message string, kv ...string) {
	var md map[string]string
	if len(kv) > 1 {
		md = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			md[kv[i]] = kv[i+1]
		}
	}
	b.Publish(&Event{Type: t, Message: message, Metadata: md})
}

// Recent returns up to n delivered events, oldest first. n <= 0 returns
// everything retained.
func (b *Broker) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := len(b.history)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, *b.history[(b.next+i)%size])
	}
	return out
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Run delivers queued events until Stop
func (b *Broker) Run() {
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) < HistorySize {
		b.history = append(b.history, event)
	} else {
		b.history[b.next] = event
		b.next = (b.next + 1) % HistorySize
	}

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}
