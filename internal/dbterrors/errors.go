// Package dbterrors collects the sentinel errors the translation core can
// raise toward the embedder. Guest-visible faults are not part of this set:
// they are delivered through package exception and never escape Run().
package dbterrors

import "errors"

// Host-visible fatal errors. None of these are retried; the embedder sees
// them as a typed status and the Cpu stops running.
var (
	// ErrUnknownInstruction is returned when the decoder collaborator hands
	// back an opcode the translator has no recipe for.
	ErrUnknownInstruction = errors.New("E1|unknown_instr: decoder produced an instruction with no translation recipe")

	// ErrNoMemory is returned when the executable memory allocator cannot
	// satisfy a request.
	ErrNoMemory = errors.New("E2|no_memory: executable memory allocator returned null")

	// ErrEmitterInternal covers emitter post-condition violations, such as
	// a zero-size block at flatten time or empty code handed to
	// tc.Cache.Install.
	ErrEmitterInternal = errors.New("E3|internal: code emitter post-condition violated")

	// ErrNotImplemented marks a feature explicitly called out as
	// out-of-scope in spec.md Non-goals / Design Notes open questions
	// (virtual-8086, task-gate far calls, I/O watchpoints). It must never
	// be silently approximated.
	ErrNotImplemented = errors.New("E4|not_implemented: feature is explicitly out of scope")
)

// ErrModeChange names the internal 0xFF pseudo-exception that a CR0 write
// flipping PE produces. No code path returns this sentinel: the mode
// change travels as exception.ModeChangeVector in ctx.ExpFrame.Idx, is
// never surfaced to the embedder, and is never delivered through the
// guest IDT.
var ErrModeChange = errors.New("E5|mode_changed: CR0.PE changed, translation cache flushed")

// Code extracts the short "E<n>" prefix from one of the sentinels above,
// for compact log lines. Returns "" if err does not carry the separator
// this package's sentinels use.
func Code(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i]
		}
	}
	return ""
}
