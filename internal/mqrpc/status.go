package mqrpc

import (
	"time"

	"go.uber.org/atomic"
)

// Status holds the counters of one side. It is owned and mutated by a single Requester or Responder.
type Status struct {
	connected     atomic.Bool
	processed     atomic.Int64
	errCount      atomic.Int64
	dropped       atomic.Int64
	lastError     atomic.String
	lastReconnect atomic.Time
}

// Snapshot is a read-only copy of Status.
type Snapshot struct {
	Connected         bool       `json:"connected"`
	State             string     `json:"state"`
	ProcessedMessages int64      `json:"processedMessages"`
	Errors            int64      `json:"errors"`
	LastError         *string    `json:"lastError"`
	LastReconnect     *time.Time `json:"lastReconnect"`
	DroppedReplies    int64      `json:"droppedReplies"`
}

func NewStatus() *Status {
	return &Status{}
}

func (s *Status) RecordError(err error) {
	if err == nil {
		return
	}
	s.errCount.Inc()
	s.lastError.Store(err.Error())
}

func (s *Status) RecordProcessed() {
	s.processed.Inc()
}

func (s *Status) RecordDropped() {
	s.dropped.Inc()
}

func (s *Status) SetConnected(connected bool) {
	s.connected.Store(connected)
}

func (s *Status) RecordReconnect(at time.Time) {
	s.lastReconnect.Store(at)
}

func (s *Status) Snapshot() Snapshot {
	snap := Snapshot{
		Connected:         s.connected.Load(),
		ProcessedMessages: s.processed.Load(),
		Errors:            s.errCount.Load(),
		DroppedReplies:    s.dropped.Load(),
	}
	if lastError := s.lastError.Load(); lastError != "" {
		snap.LastError = &lastError
	}
	if lastReconnect := s.lastReconnect.Load(); !lastReconnect.IsZero() {
		snap.LastReconnect = &lastReconnect
	}

	return snap
}
