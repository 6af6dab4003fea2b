// Package scheduler is the assignment engine of a tuning run. It walks the
// worker registry in order and, for each worker, either resumes the
// combination the worker already holds or draws a fresh one from the
// unassigned pool, consulting the duplicate resolver before every decision.
//
// # Lifecycle of a combination
//
//	UNASSIGNED ──assign──▶ ASSIGNED(worker) ──finished duplicate──▶ FINISHED
//	     └──────────────finished duplicate found early──────────────▲
//
// Every transition is persisted through the state store before the next
// runner call, so a restart resumes from the last decision.
//
// # Rounds
//
// A pass services each worker once, strictly sequentially, with the launch
// delay between workers. Run repeats passes separated by the round cooldown
// until the context is cancelled or Stop is called. Stop is graceful: the
// current pass completes and no new pass starts.
package scheduler
