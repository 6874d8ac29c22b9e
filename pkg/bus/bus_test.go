// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"testing"
	"time"

	"github.com/kraklabs/kie/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := New(nil)
	_, events := b.Subscribe(Subscription{Project: "p1", Topics: []Kind{KindJobState}})

	b.Publish(Event{Kind: KindJobState, ProjectID: "p1", JobState: &JobStatePayload{JobID: "j1"}})
	b.Publish(Event{Kind: KindJobProgress, ProjectID: "p1", JobProgress: &JobProgressPayload{JobID: "j1"}})
	b.Publish(Event{Kind: KindJobState, ProjectID: "p2", JobState: &JobStatePayload{JobID: "j2"}})

	select {
	case e := <-events:
		require.Equal(t, KindJobState, e.Kind)
		assert.Equal(t, "j1", e.JobState.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case e := <-events:
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	id, events := b.Subscribe(Subscription{})
	b.Unsubscribe(id)
	b.Unsubscribe(id) // idempotent

	_, ok := <-events
	assert.False(t, ok)
}

func TestOverflowDropsOldestAndEmitsOverflowEvent(t *testing.T) {
	b := New(nil)
	b.queueSize = 2
	_, events := b.Subscribe(Subscription{Topics: []Kind{KindJobProgress, KindBusOverflow}})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindJobProgress, JobProgress: &JobProgressPayload{Detail: string(rune('a' + i))}})
	}

	var sawOverflow bool
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			if e.Kind == KindBusOverflow {
				sawOverflow = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected buffered events")
		}
	}
	assert.True(t, sawOverflow, "expected a bus.overflow event once the queue filled")
}

func TestPublishJobStateAndProgressFromModel(t *testing.T) {
	b := New(nil)
	_, events := b.Subscribe(Subscription{Project: "proj"})

	job := model.Job{ID: "j1", ProjectID: "proj", Kind: model.JobIngestLocal, State: model.JobSucceeded}
	b.PublishJobState(job)

	job.Progress = model.Progress{Phase: "storing", Fraction: 0.95}
	b.PublishJobProgress(job)

	first := <-events
	assert.Equal(t, KindJobState, first.Kind)
	assert.Equal(t, "j1", first.JobState.JobID)
	assert.Equal(t, "succeeded", first.JobState.State)

	second := <-events
	assert.Equal(t, KindJobProgress, second.Kind)
	assert.InDelta(t, 0.95, second.JobProgress.Fraction, 1e-9)
}

func TestSubscriptionProjectEmptyMatchesProcessWideEvents(t *testing.T) {
	sub := Subscription{Project: "p1"}
	assert.True(t, sub.matches(Event{Kind: KindError, ProjectID: ""}))
	assert.True(t, sub.matches(Event{Kind: KindError, ProjectID: "p1"}))
	assert.False(t, sub.matches(Event{Kind: KindError, ProjectID: "p2"}))
}
