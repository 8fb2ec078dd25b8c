// Package build realises derivation outputs and store paths: it substitutes
// what caches can provide, builds the rest, and schedules both as goals on a
// Worker.
//
// # Goals
//
// A goal is a resumable state machine. Each step either finishes the goal,
// waits for other goals (its waitees), or waits for a job slot or a lock.
// The Worker holds at most one goal per derivation and per store path, so
// two targets needing the same dependency share its goal.
//
//   - DerivationGoal: substitute the outputs if possible, otherwise realise
//     the inputs and build locally or through a BuildHook.
//   - SubstitutionGoal: fetch one path and its references from the first
//     substituter that has it.
//
// # Exit status
//
// A failed run reports FailingExitStatus: 100 plus a mask of timeout, hash
// mismatch, check mismatch and permanent failure bits.
package build
