package indexer

import "sync/atomic"

// IndexLock guards ingestion. It never blocks: a caller that loses the race
// gets false and reports a conflict.
type IndexLock struct {
	busy atomic.Bool
}

func (l *IndexLock) TryAcquire() bool { return l.busy.CompareAndSwap(false, true) }

// Release must only be called by the goroutine that acquired the lock.
func (l *IndexLock) Release() { l.busy.Store(false) }

func (l *IndexLock) Held() bool { return l.busy.Load() }
