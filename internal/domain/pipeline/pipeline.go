// Package pipeline carries cross-cutting execution options through the
// accrual -> demand -> allocation chain. Options travel explicitly with
// every call; there is no process-wide suppression flag.
package pipeline

type Options struct {
	// SuppressSideEffects disables the follow-on triggers a posting would
	// normally fire (re-accrual after an allocation, demand regeneration,
	// classification refresh). The repost orchestrator sets it while
	// replaying so the replay itself stays deterministic.
	SuppressSideEffects bool
}
