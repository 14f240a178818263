package engine

import (
	"time"
)

// EventType classifies an asynchronous notification from a worker.
type EventType int

const (
	EventNone EventType = iota
	EventNoData
	EventComputeMoveSent
	EventSendingComputeMove
	EventBestMove
	EventInfo
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventNoData:
		return "nodata"
	case EventComputeMoveSent:
		return "compute-sent"
	case EventSendingComputeMove:
		return "sending-compute"
	case EventBestMove:
		return "bestmove"
	case EventInfo:
		return "info"
	case EventDisconnected:
		return "disconnected"
	default:
		return "none"
	}
}

// SearchInfo is one search progress report. Scores are from the engine's
// (side to move) perspective.
type SearchInfo struct {
	PV       []string
	Depth    int
	SelDepth int
	Nodes    int64
	TimeMs   int64
	ScoreCp  int
	Mate     int
	HasScore bool
	MultiPV  int
}

// Event is produced by a worker, queued by the game manager and discarded after
// it has been processed.
type Event struct {
	Type       EventType
	EngineID   int64
	Timestamp  time.Time
	BestMove   string
	PonderMove string
	Info       *SearchInfo
	Errors     []string
}

// HasErrors reports whether the worker attached error reports.
func (e Event) HasErrors() bool {
	return len(e.Errors) > 0
}
