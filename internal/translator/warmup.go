package translator

import (
	"context"
	"runtime"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynarec/internal/emit"
	"dynarec/internal/trace"
)

// WarmupStatus is the state of one profiled entry during warm-up.
type WarmupStatus uint8

const (
	WarmupQueued WarmupStatus = iota
	WarmupWorking
	WarmupDone
	WarmupSkipped
	WarmupError
)

// String returns the string representation of WarmupStatus.
func (s WarmupStatus) String() string {
	switch s {
	case WarmupQueued:
		return "queued"
	case WarmupWorking:
		return "building"
	case WarmupDone:
		return "done"
	case WarmupSkipped:
		return "skipped"
	case WarmupError:
		return "error"
	default:
		return "unknown"
	}
}

// WarmupEvent reports progress on one entry.
type WarmupEvent struct {
	Entry  ProfileEntry
	Status WarmupStatus
	Err    error
}

// WarmupResult counts the outcome of a warm-up.
type WarmupResult struct {
	Built   int
	Skipped int
	Failed  int
}

// Warmup compiles the given profile entries at Tier1 before execution
// starts, jobs at a time (zero means GOMAXPROCS). A failed entry is logged
// and counted; only cancellation stops the warm-up early. Events, when
// non-nil, receives progress and is not closed.
func (t *Translator) Warmup(ctx context.Context, entries []ProfileEntry, jobs int, events chan<- WarmupEvent) (WarmupResult, error) {
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	span := trace.Begin(t.opts.Tracer, trace.ScopeRun, "warmup", 0, 0)

	send := func(ev WarmupEvent) {
		if events == nil {
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	for _, e := range entries {
		send(WarmupEvent{Entry: e, Status: WarmupQueued})
	}

	var built, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(jobs, len(entries))))

	for _, e := range entries {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			send(WarmupEvent{Entry: e, Status: WarmupWorking})
			ok, err := t.translateItem(Item{Address: e.Address, Mode: e.Mode, Tier: emit.Tier1, Complete: true})
			switch {
			case err != nil:
				failed.Add(1)
				t.failures.Add(1)
				Logger().Warn("warm-up translation failed", zap.Uint64("address", e.Address), zap.Error(err))
				send(WarmupEvent{Entry: e, Status: WarmupError, Err: err})
			case ok:
				built.Add(1)
				send(WarmupEvent{Entry: e, Status: WarmupDone})
			default:
				skipped.Add(1)
				send(WarmupEvent{Entry: e, Status: WarmupSkipped})
			}
			return nil
		})
	}

	err := g.Wait()
	res := WarmupResult{Built: int(built.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
	span.Attr("built", strconv.Itoa(res.Built)).Attr("failed", strconv.Itoa(res.Failed)).End(err)
	return res, err
}
