// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus implements the in-process event bus: a typed publisher
// fanned out to bounded per-subscriber queues, project-scoped by topic.
// Event is a tagged sum type with one payload field populated per Kind,
// not an open map[string]any.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kraklabs/kie/pkg/model"
)

// Kind enumerates the event types the platform emits.
type Kind string

const (
	KindJobState        Kind = "job.state"
	KindJobProgress     Kind = "job.progress"
	KindCrawlPage       Kind = "crawl.page"
	KindRetrievalTiming Kind = "retrieval.timing"
	KindStoreStats      Kind = "store.stats"
	KindError           Kind = "error"
	// KindBusOverflow is emitted when a subscriber's queue is dropped from
	// due to back-pressure.
	KindBusOverflow Kind = "bus.overflow"
)

// JobStatePayload mirrors a Job's terminal-once lifecycle transition.
type JobStatePayload struct {
	JobID    string
	Kind     string
	State    string
	Error    string
	Metadata map[string]string
}

// JobProgressPayload mirrors one monotonic progress update.
type JobProgressPayload struct {
	JobID    string
	Phase    string
	Fraction float64
	Detail   string
}

// CrawlPagePayload reports one fetched (or skipped) page during a crawl.
type CrawlPagePayload struct {
	SessionID string
	URL       string
	Depth     int
	Status    string // "fetched", "skipped", "error"
	Error     string
}

// RetrievalTimingPayload reports query-path latency and feature usage for
// one retrieval call, feeding observability dashboards.
type RetrievalTimingPayload struct {
	ProjectID   string
	LatencyMS   int64
	Hybrid      bool
	Rerank      bool
	Partial     bool
	Degradation []string
}

// StoreStatsPayload reports a point-in-time count, e.g. after a
// reconciliation sweep.
type StoreStatsPayload struct {
	DatasetID  string
	ChunkCount int
	PointCount int
}

// ErrorPayload carries an out-of-band error notice (e.g. coherence.broken)
// that isn't attached to any one job.
type ErrorPayload struct {
	Code    string
	Message string
}

// OverflowPayload describes a dropped event when a subscriber's queue was
// full.
type OverflowPayload struct {
	SubscriberID string
	Dropped      int
}

// Event is the tagged union delivered to subscribers. Exactly one of the
// payload fields is populated, selected by Kind.
type Event struct {
	Kind      Kind
	ProjectID string // empty for process-wide events
	Topic     string
	Ts        time.Time

	JobState        *JobStatePayload
	JobProgress     *JobProgressPayload
	CrawlPage       *CrawlPagePayload
	RetrievalTiming *RetrievalTimingPayload
	StoreStats      *StoreStatsPayload
	Error           *ErrorPayload
	Overflow        *OverflowPayload
}

// DefaultQueueSize is the bounded per-subscriber channel depth.
const DefaultQueueSize = 1000

// Subscription declares what a subscriber wants to receive: events scoped
// to Project (empty string means "any project") whose Kind is in Topics
// (empty Topics means "any kind").
type Subscription struct {
	Project string
	Topics  []Kind
}

func (s Subscription) matches(e Event) bool {
	if s.Project != "" && e.ProjectID != "" && s.Project != e.ProjectID {
		return false
	}
	if len(s.Topics) == 0 {
		return true
	}
	for _, t := range s.Topics {
		if t == e.Kind {
			return true
		}
	}
	return false
}

type subscriber struct {
	id   string
	sub  Subscription
	ch   chan Event
	once sync.Once
}

// Bus is the in-process pub/sub core. A zero Bus is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueSize   int
	logger      *slog.Logger
	nextID      int
}

// New builds a Bus with the default queue size.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		queueSize:   DefaultQueueSize,
		logger:      logger,
	}
}

// Subscribe registers sub and returns a receive channel and an id usable
// with Unsubscribe. The channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe(sub Subscription) (id string, events <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber{
		id:  subscriberID(b.nextID),
		sub: sub,
		ch:  make(chan Event, b.queueSize),
	}
	b.subscribers[s.id] = s
	return s.id, s.ch
}

func subscriberID(n int) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 12)
	buf = append(buf, "sub-"...)
	for shift := 28; shift >= 0; shift -= 4 {
		buf = append(buf, hex[(n>>shift)&0xF])
	}
	return string(buf)
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish delivers e to every subscriber whose Subscription matches.
// Unmatched subscribers are silently skipped. A full subscriber
// queue drops the oldest queued event and emits KindBusOverflow to that
// same subscriber rather than blocking the publisher; when e fills the
// freed slot, one more old event is dropped to fit the overflow notice.
func (b *Bus) Publish(e Event) {
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.sub.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscriber, e Event) {
	select {
	case s.ch <- e:
		return
	default:
	}
	// Queue full: drop the oldest event to make room.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
	default:
	}
	b.logger.Warn("bus.overflow", "subscriber", s.id, "kind", e.Kind)
	overflow := Event{
		Kind: KindBusOverflow, Ts: time.Now(),
		Overflow: &OverflowPayload{SubscriberID: s.id, Dropped: 1},
	}
	select {
	case s.ch <- overflow:
	default:
		// e took the freed slot: drop one more old event so the notice fits.
		select {
		case <-s.ch:
			overflow.Overflow.Dropped++
		default:
		}
		select {
		case s.ch <- overflow:
		default:
		}
	}
}

// PublishJobState satisfies pkg/queue.Publisher: it emits a job.state event
// from a completed job snapshot. This is the one narrow seam where a Job
// value crosses into the bus; it is translated immediately into the tagged
// Event union and never stored or referenced again by the bus itself.
func (b *Bus) PublishJobState(job model.Job) {
	b.Publish(Event{
		Kind: KindJobState, ProjectID: job.ProjectID, Topic: string(KindJobState),
		JobState: &JobStatePayload{JobID: job.ID, Kind: string(job.Kind), State: string(job.State), Error: job.Error, Metadata: job.Metadata},
	})
}

// PublishJobProgress emits a job.progress event.
func (b *Bus) PublishJobProgress(job model.Job) {
	b.Publish(Event{
		Kind: KindJobProgress, ProjectID: job.ProjectID, Topic: string(KindJobProgress),
		JobProgress: &JobProgressPayload{JobID: job.ID, Phase: job.Progress.Phase, Fraction: job.Progress.Fraction, Detail: job.Progress.Detail},
	})
}

// SubscriberCount reports how many subscribers are currently registered,
// used by `cie status`/`projects.stats` diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
