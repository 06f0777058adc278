// Package runner drives a feature pipeline end to end.
//
// The runner is the in-process driver of the state machine: it loads the
// pipeline state, asks [machine.ComputeNextInstruction] for the next action,
// executes it and persists the consequence before asking again. Because every
// transition is written before the next action is computed, a crashed run is
// recovered by simply running again.
//
// # Actions
//
// A bash_dispatch action runs one worker through the dispatcher. A
// bash_review_dispatch action runs a [review.Loop]. A bash_parallel_dispatch
// action runs its members concurrently and settles their results in group
// order. A user_gate action stops the run; gates are answered with
// [Runner.Respond] and a run blocked on one can wait for the answer with
// [Runner.WaitForResume].
//
// # Settling a step
//
// After a worker succeeds the runner validates its result artifact, fails the
// step on ERROR markers, pauses on CLARIFICATION markers, restores protected
// paths, applies the conditional branch selected by an OUTCOME line, commits
// the work and marks the step complete. Rate-limited failures leave the
// pipeline rate-limited; other failures leave it in the error status with the
// last error recorded. A review ending NO-GO pauses the pipeline.
//
// # Implement phases
//
// When tasks.md declares phases, either as "## Phase <key>" headings or as a
// front matter phases list, the implement step is dispatched once per phase
// and each finished phase is recorded before the next one starts.
package runner
