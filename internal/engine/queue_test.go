package engine

import "testing"

func TestQueueEnqueueDequeueOrder(t *testing.T) {
	t.Parallel()

	q := newQueue(3)

	for i := range 3 {
		m := Message{Remote: string(rune('a' + i))}
		if !q.tryEnqueue(m) {
			t.Fatalf("tryEnqueue %d: want true", i)
		}
	}

	if !q.full() {
		t.Error("queue at capacity should report full")
	}
	if q.tryEnqueue(Message{}) {
		t.Error("tryEnqueue on full queue should return false")
	}

	for i := range 3 {
		m, ok := q.tryDequeue()
		if !ok {
			t.Fatalf("tryDequeue %d: want ok", i)
		}
		want := string(rune('a' + i))
		if m.Remote != want {
			t.Errorf("tryDequeue %d: Remote = %q, want %q (FIFO order)", i, m.Remote, want)
		}
	}

	if q.full() {
		t.Error("drained queue should not report full")
	}
}

func TestQueueDequeueEmpty(t *testing.T) {
	t.Parallel()

	q := newQueue(1)
	if _, ok := q.tryDequeue(); ok {
		t.Error("tryDequeue on empty queue should return ok=false")
	}
}

func TestQueueSize(t *testing.T) {
	t.Parallel()

	q := newQueue(5)
	if q.size() != 0 {
		t.Errorf("fresh queue size = %d, want 0", q.size())
	}

	q.tryEnqueue(Message{})
	q.tryEnqueue(Message{})
	if q.size() != 2 {
		t.Errorf("size after 2 enqueues = %d, want 2", q.size())
	}

	q.tryDequeue()
	if q.size() != 1 {
		t.Errorf("size after 1 dequeue = %d, want 1", q.size())
	}
}

func TestMessageFromTruncatesToPayloadCapacity(t *testing.T) {
	t.Parallel()

	payload := make([]byte, MaxMessageLength+10)
	for i := range payload {
		payload[i] = byte(i)
	}

	m := messageFrom(payload, "peer")
	if m.Length != MaxMessageLength {
		t.Errorf("Length = %d, want %d (copy clamps to Payload's fixed array size)", m.Length, MaxMessageLength)
	}
	if m.Remote != "peer" {
		t.Errorf("Remote = %q, want %q", m.Remote, "peer")
	}
}
