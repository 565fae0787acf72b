package message

import "testing"

func TestQueueDropsNewestOnOverflow(t *testing.T) {
	q := NewQueue("test", 2)
	if !q.Push(Entry{Payload: []byte("a")}) {
		t.Fatalf("expected first push to succeed")
	}
	if !q.Push(Entry{Payload: []byte("b")}) {
		t.Fatalf("expected second push to succeed")
	}
	if q.Push(Entry{Payload: []byte("c")}) {
		t.Fatalf("expected third push to be rejected, bound is 2")
	}
	if q.Len() != 2 {
		t.Fatalf("expected queue depth 2, got %d", q.Len())
	}
}

func TestQueuePopIsFIFO(t *testing.T) {
	q := NewQueue("test", 10)
	q.Push(Entry{Payload: []byte("first")})
	q.Push(Entry{Payload: []byte("second")})

	e, ok := q.Pop()
	if !ok || string(e.Payload) != "first" {
		t.Fatalf("expected FIFO pop to return 'first', got %q ok=%v", e.Payload, ok)
	}
	e, ok = q.Pop()
	if !ok || string(e.Payload) != "second" {
		t.Fatalf("expected FIFO pop to return 'second', got %q ok=%v", e.Payload, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue to report no entry")
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue("test", 10)
	q.Push(Entry{Payload: []byte("a")})
	q.Push(Entry{Payload: []byte("b")})
	drained := q.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected drain to return 2 entries, got %d", len(drained))
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", q.Len())
	}
}
