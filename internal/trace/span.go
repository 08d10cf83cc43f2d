package trace

import (
	"sync/atomic"
	"time"
)

var (
	seq   atomic.Uint64
	spans atomic.Uint64
)

func emit(t Tracer, ev *Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Seq = seq.Add(1)
	t.Emit(ev)
}

// Enabled reports whether t records events of scope.
func Enabled(t Tracer, scope Scope) bool {
	return t != nil && t.Level().ShouldEmit(scope)
}

// Span is an operation with a begin and an end event. A span begun on a
// tracer that does not record its scope is inert: every method is a no-op.
type Span struct {
	tracer  Tracer
	id      uint64
	parent  uint64
	scope   Scope
	name    string
	address uint64
	started time.Time
	attrs   []Attr
}

// Begin starts a span about the code at address under parent (zero for a
// root span) and records its begin event.
func Begin(t Tracer, scope Scope, name string, address, parent uint64) *Span {
	if !Enabled(t, scope) {
		return &Span{}
	}
	s := &Span{
		tracer:  t,
		id:      spans.Add(1),
		parent:  parent,
		scope:   scope,
		name:    name,
		address: address,
		started: time.Now(),
	}
	emit(t, &Event{
		Time:    s.started,
		Kind:    KindSpanBegin,
		Scope:   scope,
		Span:    s.id,
		Parent:  parent,
		Name:    name,
		Address: address,
	})
	return s
}

// Attr annotates the end event.
func (s *Span) Attr(key, value string) *Span {
	if s.tracer != nil {
		s.attrs = append(s.attrs, Attr{Key: key, Value: value})
	}
	return s
}

// End records the end event, failed when err is non-nil, and returns the
// span's duration.
func (s *Span) End(err error) time.Duration {
	if s.tracer == nil {
		return 0
	}
	now := time.Now()
	ev := &Event{
		Time:    now,
		Kind:    KindSpanEnd,
		Scope:   s.scope,
		Span:    s.id,
		Parent:  s.parent,
		Name:    s.name,
		Address: s.address,
		Attrs:   s.attrs,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	emit(s.tracer, ev)
	s.tracer = nil
	return now.Sub(s.started)
}

// ID returns the span ID, zero for an inert span.
func (s *Span) ID() uint64 {
	return s.id
}
