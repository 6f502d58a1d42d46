package pool

import (
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
)

// pendingEntry is the parent-side registration binding a dispatched
// request id to its completion channel and timeout timer (spec.md §3,
// Pending Query). Deregistration is single-assignment: exactly one of
// {the reader goroutine, the timeout} wins the race to deliver a result,
// enforced by pool.resolvePending deleting the map entry before sending.
type pendingEntry struct {
	id    string
	ch    chan ipc.Message
	timer *time.Timer
}

func newPendingEntry(id string) *pendingEntry {
	return &pendingEntry{
		id: id,
		ch: make(chan ipc.Message, 1),
	}
}
