package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetflow/importd/internal/model"
)

func projection(id string, status string, processed int) model.RunProjection {
	return model.RunProjection{ID: id, Status: status, ProcessedRows: processed}
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBroadcaster_OrderPreserved(t *testing.T) {
	b := New()
	sub := b.SubscribeRun("run-1")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		b.PublishRun("run-1", RunProgress{Run: projection("run-1", "RUNNING", i*100)})
	}

	events := collect(t, sub, 5)
	for i, ev := range events {
		progress, ok := ev.(RunProgress)
		require.True(t, ok)
		assert.Equal(t, (i+1)*100, progress.Run.ProcessedRows)
	}
}

func TestBroadcaster_CompletedIsTerminal(t *testing.T) {
	b := New()
	sub := b.SubscribeRun("run-1")
	defer sub.Close()

	b.PublishRun("run-1", RunProgress{Run: projection("run-1", "RUNNING", 100)})
	b.PublishRun("run-1", RunCompleted{Run: projection("run-1", "SUCCEEDED", 200)})
	// Published after terminal: must never be delivered.
	b.PublishRun("run-1", RunProgress{Run: projection("run-1", "RUNNING", 300)})

	events := collect(t, sub, 2)
	_, ok := events[0].(RunProgress)
	assert.True(t, ok)
	completed, ok := events[1].(RunCompleted)
	require.True(t, ok)
	assert.Equal(t, "SUCCEEDED", completed.Run.Status)

	select {
	case ev, open := <-sub.Events():
		assert.False(t, open, "expected closed channel, got %v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestBroadcaster_IndependentRuns(t *testing.T) {
	b := New()
	sub1 := b.SubscribeRun("run-1")
	defer sub1.Close()
	sub2 := b.SubscribeRun("run-2")
	defer sub2.Close()

	b.PublishRun("run-1", RunProgress{Run: projection("run-1", "RUNNING", 10)})
	b.PublishRun("run-2", RunProgress{Run: projection("run-2", "RUNNING", 20)})

	ev1 := collect(t, sub1, 1)[0].(RunProgress)
	assert.Equal(t, "run-1", ev1.Run.ID)
	ev2 := collect(t, sub2, 1)[0].(RunProgress)
	assert.Equal(t, "run-2", ev2.Run.ID)
}

func TestBroadcaster_MultipleSubscribersSameRun(t *testing.T) {
	b := New()
	subA := b.SubscribeRun("run-1")
	defer subA.Close()
	subB := b.SubscribeRun("run-1")
	defer subB.Close()

	b.PublishRun("run-1", RunCompleted{Run: projection("run-1", "FAILED", 0)})

	evA := collect(t, subA, 1)[0].(RunCompleted)
	evB := collect(t, subB, 1)[0].(RunCompleted)
	assert.Equal(t, "FAILED", evA.Run.Status)
	assert.Equal(t, "FAILED", evB.Run.Status)
}

func TestBroadcaster_ClosedSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	sub := b.SubscribeRun("run-1")
	sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.PublishRun("run-1", RunProgress{Run: projection("run-1", "RUNNING", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on closed subscriber")
	}
}

func TestBroadcaster_FleetFanout(t *testing.T) {
	b := New()
	sub := b.SubscribeFleet()
	defer sub.Close()

	b.PublishFleet(model.FleetRunItem{ID: "run-1", Status: "RUNNING"})
	b.PublishFleet(model.FleetRunItem{ID: "run-2", Status: "QUEUED"})

	events := collect(t, sub, 2)
	assert.Equal(t, "run-1", events[0].(FleetUpdate).Item.ID)
	assert.Equal(t, "run-2", events[1].(FleetUpdate).Item.ID)
}

func TestBroadcaster_EventNames(t *testing.T) {
	assert.Equal(t, "run.snapshot", RunSnapshot{}.EventName())
	assert.Equal(t, "run.progress", RunProgress{}.EventName())
	assert.Equal(t, "run.completed", RunCompleted{}.EventName())
	assert.Equal(t, "runs.changed", FleetUpdate{}.EventName())
}
