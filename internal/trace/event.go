package trace

import "time"

// Kind is the type of a trace event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope is the granularity of an event. Coarser scopes have lower values.
type Scope uint8

const (
	// ScopeRun covers a whole guest run or profile warm-up.
	ScopeRun Scope = iota + 1
	// ScopeTranslation covers building one subroutine at one tier.
	ScopeTranslation
	// ScopePhase covers decode, emit, liveness and codegen.
	ScopePhase
	// ScopeDispatch marks each dispatch of a guest address.
	ScopeDispatch
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeRun:
		return "run"
	case ScopeTranslation:
		return "translation"
	case ScopePhase:
		return "phase"
	case ScopeDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// Attr is one key-value annotation, kept in insertion order.
type Attr struct {
	Key   string
	Value string
}

// Event is a single trace record.
type Event struct {
	Time   time.Time
	Seq    uint64
	Kind   Kind
	Scope  Scope
	Span   uint64
	Parent uint64
	Name   string
	// Address is the guest address the event concerns, zero for none.
	Address uint64
	// Err is set on failed spans and failure points.
	Err   string
	Attrs []Attr
}

// Point records an instant event at address.
func Point(t Tracer, scope Scope, name string, address uint64) {
	if !Enabled(t, scope) {
		return
	}
	emit(t, &Event{Kind: KindPoint, Scope: scope, Name: name, Address: address})
}

// Fail records a failure at address. Failures pass every level but
// LevelOff.
func Fail(t Tracer, scope Scope, name string, address uint64, err error) {
	if t == nil || t.Level() == LevelOff || err == nil {
		return
	}
	emit(t, &Event{Kind: KindPoint, Scope: scope, Name: name, Address: address, Err: err.Error()})
}
