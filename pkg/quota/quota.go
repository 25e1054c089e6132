// Package quota enforces the per-run event-count and byte ceilings checked
// inside the event append transaction.
package quota

import "github.com/omniplexity/substrate/pkg/fault"

// Guard holds the configured per-run ceilings. A zero or negative limit
// disables the corresponding ceiling.
type Guard struct {
	MaxEventsPerRun int64
	MaxBytesPerRun  int64
}

// Check evaluates the prospective append against both ceilings. currentEvents
// and currentBytes are the committed aggregates; addedBytes is the serialised
// payload size of the event being appended.
func (g Guard) Check(currentEvents, currentBytes, addedBytes int64) error {
	nextEvents := currentEvents + 1
	if g.MaxEventsPerRun > 0 && nextEvents > g.MaxEventsPerRun {
		return fault.Quota(fault.QuotaScopeEvents, g.MaxEventsPerRun, nextEvents)
	}
	nextBytes := currentBytes + addedBytes
	if g.MaxBytesPerRun > 0 && nextBytes > g.MaxBytesPerRun {
		return fault.Quota(fault.QuotaScopeBytes, g.MaxBytesPerRun, nextBytes)
	}
	return nil
}

// CheckBytesOnly evaluates only the byte ceiling. Used for trailing metrics
// events, which are allowed to exceed the event-count ceiling so a run's
// final aggregates are always recorded.
func (g Guard) CheckBytesOnly(currentBytes, addedBytes int64) error {
	nextBytes := currentBytes + addedBytes
	if g.MaxBytesPerRun > 0 && nextBytes > g.MaxBytesPerRun {
		return fault.Quota(fault.QuotaScopeBytes, g.MaxBytesPerRun, nextBytes)
	}
	return nil
}
