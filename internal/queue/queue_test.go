package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func item(topic string) Item {
	return Item{Topic: topic, Keyed: true, Fields: map[string]any{"n": topic}, Acknowledge: true}
}

func drained(q *Queue) []string {
	var sent []string
	q.Drain(func(it Item) error {
		sent = append(sent, it.Topic)
		return nil
	})
	return sent
}

func TestDrainPreservesFIFO(t *testing.T) {
	q := New(nil, zerolog.Nop())
	for i := 0; i < 5; i++ {
		q.Append(item(fmt.Sprintf("t%d", i)))
	}
	require.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, drained(q))
	require.Equal(t, 0, q.Len())
}

func TestFailedSendKeepsHeadAndDefers(t *testing.T) {
	q := New(nil, zerolog.Nop())
	q.Append(item("a"))
	q.Append(item("b"))
	q.Append(item("c"))

	var sent []string
	q.Drain(func(it Item) error {
		if it.Topic == "b" {
			return errors.New("ack timeout")
		}
		sent = append(sent, it.Topic)
		return nil
	})

	require.Equal(t, []string{"a"}, sent)
	require.True(t, q.Deferred())
	require.Equal(t, []string{"b", "c"}, topics(q.Items()), "failed head must stay queued in order")

	// Draining is paused until re-armed.
	require.Empty(t, drained(q))

	q.Arm()
	require.Equal(t, []string{"b", "c"}, drained(q))
	require.False(t, q.Deferred())
}

func TestPushFrontBatchInReverseYieldsGivenOrder(t *testing.T) {
	q := New(nil, zerolog.Nop())
	q.Append(item("queued-before"))

	batch := []Item{item("join-1"), item("join-2"), item("join-3")}
	for i := len(batch) - 1; i >= 0; i-- {
		q.PushFront(batch[i])
	}

	require.Equal(t, []string{"join-1", "join-2", "join-3", "queued-before"}, drained(q))
}

func TestPushFrontDeduplicatesByTopic(t *testing.T) {
	q := New(nil, zerolog.Nop())
	require.True(t, q.PushFront(item("announce")))
	require.False(t, q.PushFront(item("announce")), "retried join must not duplicate")
	require.Equal(t, 1, q.Len())
}

func TestAppendUnique(t *testing.T) {
	q := New(nil, zerolog.Nop())
	require.True(t, q.AppendUnique(item("x")))
	require.False(t, q.AppendUnique(item("x")))
	q.Append(item("x"))
	require.Equal(t, 2, q.Len(), "plain Append never deduplicates")
}

func TestClearDropsEverything(t *testing.T) {
	q := New(nil, zerolog.Nop())
	q.Append(item("a"))
	q.PushFront(item("b"))
	q.Clear()
	require.Equal(t, 0, q.Len())
	require.Empty(t, drained(q))
}

type fakeJournal struct {
	appended []uint64
	removed  []uint64
	cleared  int
	fail     bool
}

func (f *fakeJournal) Append(seq uint64, it Item) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.appended = append(f.appended, seq)
	return nil
}

func (f *fakeJournal) Remove(seq uint64) error {
	f.removed = append(f.removed, seq)
	return nil
}

func (f *fakeJournal) Clear() error {
	f.cleared++
	return nil
}

func TestJournalFollowsQueue(t *testing.T) {
	j := &fakeJournal{}
	q := New(j, zerolog.Nop())

	q.Append(item("a"))
	q.AppendUnique(item("b"))
	q.PushFront(item("session-scoped"))
	require.Len(t, j.appended, 2, "front items are not journaled")

	drained(q)
	require.Equal(t, j.appended, j.removed)

	q.Append(item("c"))
	q.Clear()
	require.Equal(t, 1, j.cleared)
}

func TestJournalFailureDoesNotBlockQueue(t *testing.T) {
	j := &fakeJournal{fail: true}
	q := New(j, zerolog.Nop())
	q.Append(item("a"))
	require.Equal(t, 1, q.Len(), "journal errors must not lose in-memory items")
	require.Equal(t, []string{"a"}, drained(q))
}

func topics(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Topic
	}
	return out
}
