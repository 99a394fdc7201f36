// Package queue buffers outbound publications in strict FIFO order across
// connection loss. Items enqueued while offline are drained once a session
// is available; a failed acknowledgment stops the drain and leaves the head
// item queued until draining is re-armed.
package queue

import (
	"sync"

	"github.com/rs/zerolog"
)

// Item is one publication ready for the wire. Keyed selects the payload
// framing: Fields as keyed arguments, or Data as a single positional
// argument of opaque bytes.
type Item struct {
	Topic       string
	Data        []byte
	Fields      map[string]any
	Keyed       bool
	Retain      bool
	Acknowledge bool
}

// Journal persists queued items so an interrupted process can pick its
// backlog back up. Implementations must treat calls as best effort; the
// queue logs failures and carries on with its in-memory state.
type Journal interface {
	Append(seq uint64, it Item) error
	Remove(seq uint64) error
	Clear() error
}

type entry struct {
	seq       uint64
	item      Item
	journaled bool
}

type Queue struct {
	mu       sync.Mutex
	entries  []entry
	nextSeq  uint64
	deferred bool

	journal Journal
	log     zerolog.Logger
}

// New returns an empty, armed queue. journal may be nil for purely
// in-memory operation.
func New(journal Journal, log zerolog.Logger) *Queue {
	return &Queue{journal: journal, log: log}
}

// Append adds an item at the tail.
func (q *Queue) Append(it Item) {
	q.mu.Lock()
	seq := q.push(it, false)
	q.mu.Unlock()
	q.journalAppend(seq, it)
}

// AppendUnique adds an item at the tail unless an item with the same topic
// is already queued. It reports whether the item was added.
func (q *Queue) AppendUnique(it Item) bool {
	q.mu.Lock()
	if q.hasTopic(it.Topic) {
		q.mu.Unlock()
		return false
	}
	seq := q.push(it, false)
	q.mu.Unlock()
	q.journalAppend(seq, it)
	return true
}

// PushFront inserts an item at the head unless an item with the same topic
// is already queued, so a retried connection sequence stays idempotent.
// Pushing a batch front-to-back therefore means inserting it in reverse.
// Front items are session-scoped and regenerated on every connect, so they
// are not journaled.
func (q *Queue) PushFront(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hasTopic(it.Topic) {
		return false
	}
	q.push(it, true)
	return true
}

// Drain sends queued items in order until the queue is empty, draining is
// deferred, or a send fails. On failure the head item stays queued and the
// queue defers itself; Arm re-enables draining.
func (q *Queue) Drain(send func(Item) error) {
	for {
		q.mu.Lock()
		if q.deferred || len(q.entries) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := send(head.item); err != nil {
			q.mu.Lock()
			q.deferred = true
			q.mu.Unlock()
			q.log.Debug().Err(err).Str("topic", head.item.Topic).Msg("publication deferred")
			return
		}

		q.mu.Lock()
		for i := range q.entries {
			if q.entries[i].seq == head.seq {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		if head.journaled {
			q.journalRemove(head.seq)
		}
	}
}

// Arm re-enables draining after a deferral.
func (q *Queue) Arm() {
	q.mu.Lock()
	q.deferred = false
	q.mu.Unlock()
}

// Deferred reports whether a failed send has paused draining.
func (q *Queue) Deferred() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deferred
}

// Clear drops all queued items, including journaled ones.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
	if q.journal != nil {
		if err := q.journal.Clear(); err != nil {
			q.log.Warn().Err(err).Msg("backlog journal clear failed")
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Items returns a snapshot of the queued items in drain order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.item
	}
	return out
}

func (q *Queue) push(it Item, front bool) uint64 {
	q.nextSeq++
	e := entry{seq: q.nextSeq, item: it, journaled: !front && q.journal != nil}
	if front {
		q.entries = append([]entry{e}, q.entries...)
	} else {
		q.entries = append(q.entries, e)
	}
	return e.seq
}

func (q *Queue) hasTopic(topic string) bool {
	for _, e := range q.entries {
		if e.item.Topic == topic {
			return true
		}
	}
	return false
}

func (q *Queue) journalAppend(seq uint64, it Item) {
	if q.journal == nil {
		return
	}
	if err := q.journal.Append(seq, it); err != nil {
		q.log.Warn().Err(err).Str("topic", it.Topic).Msg("backlog journal append failed")
	}
}

func (q *Queue) journalRemove(seq uint64) {
	if q.journal == nil {
		return
	}
	if err := q.journal.Remove(seq); err != nil {
		q.log.Warn().Err(err).Msg("backlog journal remove failed")
	}
}
