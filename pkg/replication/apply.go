package replication

import (
	"errors"
	"time"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/metrics"
	"qubedb/pkg/types"
)

const applyBatch = 128

// signalApply wakes the apply loop. Only the event loop sends, so after
// draining a stale value the send cannot block. The new commit index is
// published first so waiters woken by the apply never see an older status.
func (g *Group) signalApply(commit types.LogIndex) {
	g.publish()
	select {
	case g.applyc <- commit:
	default:
		select {
		case <-g.applyc:
		default:
		}
		g.applyc <- commit
	}
}

func (g *Group) appliedIndex() types.LogIndex {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()
	return g.applied
}

func (g *Group) setApplied(idx types.LogIndex) {
	g.applyMu.Lock()
	g.applied = idx
	close(g.appliedNotify)
	g.appliedNotify = make(chan struct{})
	g.applyMu.Unlock()
}

// applyTo applies every entry up to commit, strictly in index order. An
// io failure from the state machine stops the batch so the entry is retried;
// any other error is reported to the proposer and the entry counts as applied.
// The applied index is persisted after every batch; entries applied after the
// last persisted index are applied again on restart.
func (g *Group) applyTo(commit types.LogIndex) error {
	for {
		applied := g.appliedIndex()
		if applied >= commit {
			return nil
		}
		hi := min(commit+1, applied+1+applyBatch)
		entries, err := g.store.Entries(applied+1, hi)
		if err != nil {
			return err
		}
		for _, e := range entries {
			start := time.Now()
			err := g.applyEntry(e)
			if errors.Is(err, dberrors.ErrIOFailure) {
				return err
			}
			if errors.Is(err, dberrors.ErrClosed) {
				return nil
			}
			g.metrics.ObserveHistogram(metrics.ApplyDurationSeconds, g.labels, time.Since(start).Seconds())
			g.setApplied(e.Index)
			g.notifyWaiter(e, err)
		}
		if err := g.store.SetApplied(g.appliedIndex()); err != nil {
			return err
		}
	}
}

func (g *Group) applyEntry(e LogEntry) error {
	switch e.Command.Type {
	case CmdNoop:
		return nil
	case CmdReconfigure:
		select {
		case g.confc <- e.Command.Replicas:
		case <-g.ctx.Done():
			return dberrors.ErrClosed
		}
	}
	return g.cfg.Apply(e)
}
