package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBus_PublishAssignsSequence(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", NewStatus: "in_progress"})
	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", NewStatus: "completed"})

	first := recv(t, sub)
	second := recv(t, sub)
	if first.Seq == 0 || second.Seq != first.Seq+1 {
		t.Fatalf("seq = %d, %d; want consecutive non-zero", first.Seq, second.Seq)
	}
	ev, ok := second.Payload.(TaskStateChangedEvent)
	if !ok || ev.NewStatus != "completed" {
		t.Fatalf("payload = %#v", second.Payload)
	}
	if first.At.IsZero() {
		t.Fatal("expected publish timestamp")
	}
}

func TestBus_MultiplePrefixes(t *testing.T) {
	b := New()
	sub := b.Subscribe("lease.", TopicTaskCreated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, nil)
	b.Publish(TopicLeaseReclaimed, LeaseEvent{LeaseID: "l1", Reason: "expired"})
	b.Publish(TopicTaskCreated, TaskCreatedEvent{TaskID: "t2"})

	if got := recv(t, sub).Topic; got != TopicLeaseReclaimed {
		t.Fatalf("topic = %q, want %q", got, TopicLeaseReclaimed)
	}
	if got := recv(t, sub).Topic; got != TopicTaskCreated {
		t.Fatalf("topic = %q, want %q", got, TopicTaskCreated)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_NoPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(TopicLeaseAcquired, nil)
	b.Publish(TopicHandoffRulesReloaded, HandoffRulesReloaded{Count: 3})
	recv(t, sub)
	recv(t, sub)
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskCreated, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
			continue
		default:
		}
		break
	}
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d", count, defaultBufferSize)
	}
	if b.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", b.Dropped())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("lease.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicLeaseAcquired, LeaseEvent{OwnerID: "agent", TargetID: "item"})
			}
		}(g)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for len(seen) < goroutines*perGoroutine {
		ev := recv(t, sub)
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}
