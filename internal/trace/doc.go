// Package trace records what the translator does: guest runs and warm-ups,
// subroutine translations, the phases of each translation and individual
// dispatches. Events carry the guest address they concern.
//
// Tracing is off unless a command asks for it:
//
//	dynarec run --trace=- --trace-level=detail image.bin
//
// Levels nest by scope. LevelPhase records runs and translations,
// LevelDetail adds the decode, emit, liveness and codegen phases, and
// LevelDebug adds one point per dispatch. LevelError records only failures,
// which are admitted at every level above off.
//
// Events go to a StreamTracer, a RingTracer holding the most recent ones,
// or both. The ring is dumped when a run ends with a guest fault.
package trace
