package sync

import (
	"github.com/looplab/fsm"
)

// Peer session states.
const (
	StateIdle        = "Idle"
	StateSyncHeaders = "SyncingHeaders"
	StateCaughtUp    = "CaughtUp"
	StateStalled     = "Stalled"
)

// Peer session events.
const (
	EventStartSync    = "StartSync"
	EventBatchFull    = "BatchFull"
	EventBatchPartial = "BatchPartial"
	EventNewTip       = "NewTip"
	EventStall        = "Stall"
	EventRecover      = "Recover"
)

// newSessionFSM builds the per-peer sync state machine. A session starts
// idle, streams header batches until a partial batch signals the peer has no
// more, and drops to Stalled when the peer goes quiet mid-sync.
func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{
				Name: EventStartSync,
				Src:  []string{StateIdle, StateCaughtUp},
				Dst:  StateSyncHeaders,
			},
			{
				Name: EventBatchFull,
				Src:  []string{StateSyncHeaders},
				Dst:  StateSyncHeaders,
			},
			{
				Name: EventBatchPartial,
				Src:  []string{StateSyncHeaders},
				Dst:  StateCaughtUp,
			},
			{
				Name: EventNewTip,
				Src:  []string{StateCaughtUp, StateIdle},
				Dst:  StateSyncHeaders,
			},
			{
				Name: EventStall,
				Src:  []string{StateSyncHeaders},
				Dst:  StateStalled,
			},
			{
				Name: EventRecover,
				Src:  []string{StateStalled},
				Dst:  StateIdle,
			},
		},
		fsm.Callbacks{},
	)
}
