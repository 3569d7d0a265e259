package bus

import (
	"context"
	"testing"
	"time"

	"github.com/privacypoint/docflow/engine"
)

func collect(t *testing.T, sub Subscription, n int) []engine.Event {
	t.Helper()
	var events []engine.Event
	timeout := time.After(time.Second)
	for len(events) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out with %d of %d events", len(events), n)
		}
	}
	return events
}

func TestMemBusRunSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-1"))
	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-2"))
	b.Publish(engine.NewEvent(engine.EventRunDelivered, "run-1"))

	events := collect(t, sub, 2)
	if events[0].Kind != engine.EventRunCreated || events[1].Kind != engine.EventRunDelivered {
		t.Errorf("events = %v, %v", events[0].Kind, events[1].Kind)
	}
	for _, e := range events {
		if e.RunID != "run-1" {
			t.Errorf("leaked event for %s", e.RunID)
		}
	}
}

func TestMemBusGlobalSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-1"))
	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-2"))

	events := collect(t, sub, 2)
	if events[0].RunID != "run-1" || events[1].RunID != "run-2" {
		t.Errorf("events = %+v", events)
	}
}

func TestMemBusKindFilteredSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	finished := b.SubscribeKinds("", engine.EventRunFinished)
	defer finished.Close()
	stages := b.SubscribeKinds("run-1", engine.EventStageStarted, engine.EventStageFinished)
	defer stages.Close()

	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-1"))
	b.Publish(engine.NewEvent(engine.EventStageStarted, "run-1"))
	b.Publish(engine.NewEvent(engine.EventStageStarted, "run-2"))
	b.Publish(engine.NewEvent(engine.EventStageFinished, "run-1"))
	b.Publish(engine.NewEvent(engine.EventRunFinished, "run-1"))
	b.Publish(engine.NewEvent(engine.EventRunFinished, "run-2"))

	got := collect(t, finished, 2)
	if got[0].RunID != "run-1" || got[1].RunID != "run-2" {
		t.Errorf("finished events = %+v", got)
	}
	for _, e := range got {
		if e.Kind != engine.EventRunFinished {
			t.Errorf("leaked kind %s", e.Kind)
		}
	}

	stageEvents := collect(t, stages, 2)
	if stageEvents[0].Kind != engine.EventStageStarted || stageEvents[1].Kind != engine.EventStageFinished {
		t.Errorf("stage events = %v, %v", stageEvents[0].Kind, stageEvents[1].Kind)
	}
	for _, e := range stageEvents {
		if e.RunID != "run-1" {
			t.Errorf("leaked event for %s", e.RunID)
		}
	}

	// No kinds means no filter.
	all := b.SubscribeKinds("")
	defer all.Close()
	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-3"))
	if e := collect(t, all, 1); e[0].RunID != "run-3" {
		t.Errorf("unfiltered event = %+v", e[0])
	}
}

func TestMemBusDropsWhenFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-1"))
	b.Publish(engine.NewEvent(engine.EventRunStarted, "run-1")) // dropped

	events := collect(t, sub, 1)
	if events[0].Kind != engine.EventRunCreated {
		t.Errorf("kind = %s", events[0].Kind)
	}
	select {
	case e := <-sub.Events():
		t.Errorf("unexpected event %s", e.Kind)
	default:
	}
}

func TestMemBusPublishAfterClose(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	b.Publish(engine.NewEvent(engine.EventRunCreated, "run-1"))

	if _, ok := <-sub.Events(); ok {
		t.Error("subscription channel not closed")
	}
}

func TestMemEventStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemEventStore()

	for _, kind := range []engine.EventKind{
		engine.EventRunCreated, engine.EventRunStarted, engine.EventRunDelivered,
	} {
		if err := s.Append(ctx, engine.NewEvent(kind, "run-1")); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Seq != 1 || all[2].Seq != 3 {
		t.Fatalf("all = %+v", all)
	}

	tail, err := s.List(ctx, "run-1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Kind != engine.EventRunStarted {
		t.Errorf("tail = %+v", tail)
	}

	limited, err := s.List(ctx, "run-1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %+v", limited)
	}

	latest, err := s.LatestSeq(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest != 3 {
		t.Errorf("LatestSeq = %d", latest)
	}
	if latest, _ := s.LatestSeq(ctx, "missing"); latest != 0 {
		t.Errorf("LatestSeq(missing) = %d", latest)
	}
}

func TestStoreSubscriberPersists(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(engine.NewEvent(engine.EventRunCreated, "run-1"))
	sub.Handle(engine.NewEvent(engine.EventRunDelivered, "run-1"))

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
}
