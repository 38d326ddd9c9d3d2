package bus

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishOrderPerAuditTopic(t *testing.T) {
	b := New(Options{BufferSize: 128}, nil)
	defer b.Close()

	sub := b.Subscribe("audit-1", TopicFindingNormalized)
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(NewEvent("audit-1", TopicFindingNormalized, i))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Payload.(int) != i {
				t.Fatalf("event %d out of order: got %v", i, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribeFilters(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	other := b.Subscribe("audit-2")
	defer other.Close()
	topical := b.Subscribe("", TopicToolStarted)
	defer topical.Close()

	b.Publish(NewEvent("audit-1", TopicToolStarted, ToolEvent{ToolID: "slither-eq"}))
	b.Publish(NewEvent("audit-1", TopicToolFinished, ToolEvent{ToolID: "slither-eq"}))

	select {
	case ev := <-topical.Events():
		if ev.Topic != TopicToolStarted {
			t.Errorf("topic filter leaked %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("topical subscriber got nothing")
	}

	select {
	case ev := <-other.Events():
		t.Errorf("audit filter leaked event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	b := New(Options{BufferSize: 4}, nil)
	defer b.Close()

	slow := b.Subscribe("audit-1", TopicFindingNormalized)
	healthy := b.Subscribe("audit-1")
	defer healthy.Close()

	// Overflow the slow subscriber's buffer without draining it.
	for i := 0; i < 10; i++ {
		b.Publish(NewEvent("audit-1", TopicFindingNormalized, i))
	}

	// Slow subscriber's channel must be closed after the buffered events.
	drained := 0
	for range slow.Events() {
		drained++
	}
	if drained != 4 {
		t.Errorf("slow subscriber drained %d events, want its 4 buffered", drained)
	}

	// The healthy subscriber sees everything plus a loss event.
	var sawLoss bool
	timeout := time.After(time.Second)
	received := 0
	for received < 10 || !sawLoss {
		select {
		case ev := <-healthy.Events():
			if ev.Topic == TopicBusLoss {
				sawLoss = true
				continue
			}
			received++
		case <-timeout:
			t.Fatalf("healthy subscriber stalled: %d events, loss=%v", received, sawLoss)
		}
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	b := New(Options{BufferSize: 2}, nil)
	defer b.Close()

	sub := b.Subscribe("audit-1")
	_ = sub // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(NewEvent("audit-1", TopicAuditProgress, i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestReplay(t *testing.T) {
	b := New(Options{Retain: true, RetentionWindow: time.Minute}, nil)
	defer b.Close()

	b.Publish(NewEvent("audit-1", TopicToolStarted, ToolEvent{ToolID: "a"}))
	b.Publish(NewEvent("audit-1", TopicToolFinished, ToolEvent{ToolID: "a"}))
	b.Publish(NewEvent("audit-2", TopicToolStarted, ToolEvent{ToolID: "b"}))

	all := b.Replay("audit-1")
	if len(all) != 2 {
		t.Fatalf("replay returned %d events, want 2", len(all))
	}
	if all[0].Topic != TopicToolStarted || all[1].Topic != TopicToolFinished {
		t.Errorf("replay out of order: %s, %s", all[0].Topic, all[1].Topic)
	}

	only := b.Replay("audit-1", TopicToolFinished)
	if len(only) != 1 || only[0].Topic != TopicToolFinished {
		t.Errorf("filtered replay = %v", only)
	}
}

func TestReplayDisabledReturnsNil(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()
	b.Publish(NewEvent("audit-1", TopicToolStarted, nil))
	if got := b.Replay("audit-1"); got != nil {
		t.Errorf("replay without retention = %v, want nil", got)
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	b := New(Options{}, nil)
	sub := b.Subscribe("")
	b.Close()
	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after bus close")
	}
	// Publish after close is a no-op.
	b.Publish(NewEvent("audit-1", TopicToolStarted, nil))
}

func TestConcurrentPublishers(t *testing.T) {
	b := New(Options{BufferSize: 4096}, nil)
	defer b.Close()

	sub := b.Subscribe("audit-1")
	defer sub.Close()

	const producers = 8
	const perProducer = 100
	done := make(chan struct{})
	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				b.Publish(NewEvent("audit-1", Topic(fmt.Sprintf("t.%d", p)), i))
			}
			done <- struct{}{}
		}(p)
	}
	for p := 0; p < producers; p++ {
		<-done
	}

	// Per-topic order must hold even with concurrent publishers.
	last := make(map[Topic]int)
	for i := 0; i < producers*perProducer; i++ {
		ev := <-sub.Events()
		if prev, ok := last[ev.Topic]; ok && ev.Payload.(int) <= prev {
			t.Fatalf("topic %s went backwards: %d after %d", ev.Topic, ev.Payload, prev)
		}
		last[ev.Topic] = ev.Payload.(int)
	}
}
