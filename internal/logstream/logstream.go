// Package logstream provides the per-job build log channel: ordered appends,
// multi-reader subscriptions with a bounded backlog replay, and best-effort
// live delivery. Writers never wait for readers; a slow or disconnected
// subscriber drops entries instead of slowing the pipeline.
package logstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

const defaultReplaySize = 256

// Hub owns one broadcast stream per job. Entries are also persisted through
// the state store so the full trace outlives the in-memory stream.
type Hub struct {
	store      *state.Store
	logger     *slog.Logger
	replaySize int

	mu   sync.Mutex
	jobs map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	seq     int64
	backlog []state.LogEntry // ring, bounded by replaySize
	subs    map[uint64]chan state.LogEntry
	nextSub uint64
	closed  bool
}

// NewHub creates a hub. store may be nil, in which case entries are only
// delivered in-memory (used by tests).
func NewHub(store *state.Store) *Hub {
	return &Hub{
		store:      store,
		logger:     slog.Default(),
		replaySize: defaultReplaySize,
		jobs:       make(map[string]*stream),
	}
}

// WithReplaySize overrides the bounded backlog length.
func (h *Hub) WithReplaySize(n int) *Hub {
	if n > 0 {
		h.replaySize = n
	}
	return h
}

func (h *Hub) get(jobID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.jobs[jobID]
	if !ok {
		st = &stream{subs: make(map[uint64]chan state.LogEntry)}
		h.jobs[jobID] = st
	}
	return st
}

// Append records one log entry for a job and fans it out to subscribers.
// It never blocks: full subscriber channels drop the entry for that reader
// only, and persistence failures are logged, not propagated.
func (h *Hub) Append(ctx context.Context, jobID, level, message string) {
	st := h.get(jobID)

	st.mu.Lock()
	st.seq++
	entry := state.LogEntry{
		JobID:     jobID,
		Seq:       st.seq,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}
	st.backlog = append(st.backlog, entry)
	if len(st.backlog) > h.replaySize {
		st.backlog = st.backlog[len(st.backlog)-h.replaySize:]
	}
	for _, ch := range st.subs {
		select {
		case ch <- entry:
		default: // reader too slow, drop for this subscriber
		}
	}
	st.mu.Unlock()

	if h.store != nil {
		if err := h.store.AppendLog(ctx, entry); err != nil {
			h.logger.Warn("Failed to persist log entry",
				logfields.JobID(jobID), logfields.Error(err))
		}
	}
}

// Subscribe returns an ordered stream for a job: the bounded backlog is
// replayed first, then live entries follow. The channel is closed when the
// job's stream closes or when cancel is called. Per-job append order is
// preserved for every subscriber (modulo entries dropped for that subscriber).
func (h *Hub) Subscribe(jobID string) (<-chan state.LogEntry, func()) {
	st := h.get(jobID)

	st.mu.Lock()
	defer st.mu.Unlock()

	// Buffer covers the replay plus equal live slack so the common case of a
	// prompt reader never drops.
	ch := make(chan state.LogEntry, h.replaySize*2)
	for _, e := range st.backlog {
		ch <- e
	}

	if st.closed {
		close(ch)
		return ch, func() {}
	}

	id := st.nextSub
	st.nextSub++
	st.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			if _, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(ch)
			}
			st.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close terminates a job's stream: subscriber channels are closed and the
// backlog is released. Persisted entries remain readable via the state store.
func (h *Hub) Close(jobID string) {
	h.mu.Lock()
	st, ok := h.jobs[jobID]
	if ok {
		delete(h.jobs, jobID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.closed = true
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
	st.mu.Unlock()
}
