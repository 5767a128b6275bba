package engine

import (
	"context"
	"log/slog"
	"sync"
)

// GoDispatcher runs claims on in-process goroutines, at most workers at a
// time. Dispatch never blocks the caller.
type GoDispatcher struct {
	engine *Engine
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewGoDispatcher(e *Engine, workers int, logger *slog.Logger) *GoDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoDispatcher{engine: e, slots: make(chan struct{}, workers), logger: logger}
}

func (d *GoDispatcher) Dispatch(ctx context.Context, claimID string) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.slots <- struct{}{}
		defer func() { <-d.slots }()

		tr, err := d.engine.Run(runCtx, claimID)
		if err != nil {
			d.logger.Error("claim run failed", "claim_id", claimID, "error", err)
			return
		}
		d.logger.Debug("claim run finished", "claim_id", claimID, "state", tr.Next, "done", tr.Done, "suspended", tr.Suspended)
	}()
	return nil
}

// Wait blocks until every dispatched run, including runs dispatched while
// waiting, has returned.
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}
