package trace

import (
	"strconv"
	"sync"
	"time"
)

// Heartbeat emits a heartbeat event at a fixed interval. Heartbeats with
// no span ends in between point at a guest spinning in compiled code or a
// stalled translation.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartHeartbeat starts emitting to tracer. It returns nil when tracing is
// off or interval is not positive; Stop accepts nil.
func StartHeartbeat(tracer Tracer, interval time.Duration) *Heartbeat {
	if tracer == nil || tracer.Level() == LevelOff || interval <= 0 {
		return nil
	}
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go h.run(tracer, interval)
	return h
}

func (h *Heartbeat) run(tracer Tracer, interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ticker.C:
			emit(tracer, &Event{
				Kind:  KindHeartbeat,
				Scope: ScopeRun,
				Name:  "heartbeat",
				Attrs: []Attr{{Key: "n", Value: strconv.Itoa(n)}},
			})
		case <-h.stop:
			return
		}
	}
}

// Stop ends the heartbeat and waits for its goroutine.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
