package data

import "sync"

// Table names a logical table that change signals are published for.
type Table string

const (
	TableLibrary   Table = "library"
	TableProgress  Table = "reading_progress"
	TableDownloads Table = "downloads"
)

// Broker fans out one signal per write to the subscribers of a table.
// Signals coalesce: a subscriber that has not consumed its pending signal
// does not receive another one, it recomputes from the latest state anyway.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	next   int
	closed bool
}

type subscription struct {
	tables map[Table]bool
	ch     chan Table
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel receiving the name of every table written
// among tables (all tables when none are given) and a cancel func that
// closes it.
func (b *Broker) Subscribe(tables ...Table) (<-chan Table, func()) {
	sub := &subscription{ch: make(chan Table, 1)}
	if len(tables) > 0 {
		sub.tables = make(map[Table]bool, len(tables))
		for _, t := range tables {
			sub.tables[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish signals every subscriber of t without blocking.
func (b *Broker) Publish(t Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.tables != nil && !sub.tables[t] {
			continue
		}
		select {
		case sub.ch <- t:
		default:
		}
	}
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
