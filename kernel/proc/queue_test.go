package proc

import "testing"

func TestQueueFIFOOrder(t *testing.T) {
	var (
		q       Queue
		threads [3]Thread
	)

	if !q.Empty() {
		t.Fatal("expected a fresh queue to be empty")
	}

	for i := range threads {
		q.Enqueue(&threads[i])
	}

	for i := range threads {
		if got := q.Dequeue(); got != &threads[i] {
			t.Fatalf("[dequeue %d] wrong thread", i)
		}
	}

	if got := q.Dequeue(); got != nil {
		t.Fatal("expected nil from an empty queue")
	}
}

func TestQueueEnqueueHead(t *testing.T) {
	var (
		q       Queue
		threads [3]Thread
	)

	q.Enqueue(&threads[0])
	q.Enqueue(&threads[1])

	popped := q.Dequeue()
	q.EnqueueHead(popped)

	if got := q.Dequeue(); got != &threads[0] {
		t.Fatal("expected the re-queued thread to keep its place at the head")
	}

	if got := q.Dequeue(); got != &threads[1] {
		t.Fatal("expected the second thread to follow")
	}

	// EnqueueHead on an empty queue must also set the tail.
	q.EnqueueHead(&threads[2])
	q.Enqueue(&threads[0])

	if got := q.Dequeue(); got != &threads[2] {
		t.Fatal("expected the head-queued thread first")
	}

	if got := q.Dequeue(); got != &threads[0] {
		t.Fatal("expected the tail-queued thread second")
	}
}
