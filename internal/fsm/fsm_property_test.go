//go:build property
// +build property

package fsm_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"gridconsent/internal/domain"
	"gridconsent/internal/fsm"
)

// Accepted pairs land exactly on the requested outcome; rejected pairs
// fail with a past or future error and leave the status unchanged.
func TestTransitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("transition outcome matches the table", prop.ForAll(
		func(si, oi, ki int) bool {
			from := domain.Statuses[si]
			op := fsm.Operations[oi]
			outcomes := fsm.Outcomes(op)
			to := outcomes[ki%len(outcomes)]

			got, err := fsm.Transition(from, op, to)
			if fsm.Accepts(from, op) {
				return err == nil && got == to
			}
			if got != from {
				return false
			}
			switch err.(type) {
			case fsm.PastStateError, fsm.FutureStateError:
				return true
			}
			return false
		},
		gen.IntRange(0, len(domain.Statuses)-1),
		gen.IntRange(0, len(fsm.Operations)-1),
		gen.IntRange(0, 1),
	))

	properties.Property("random legal walks replay to their last status", prop.ForAll(
		func(choices []int) bool {
			stream := []domain.Event{created("walk")}
			current := domain.StatusCreated
			for _, c := range choices {
				var legal []domain.Status
				for _, op := range fsm.Operations {
					if fsm.Accepts(current, op) {
						legal = append(legal, fsm.Outcomes(op)...)
					}
				}
				if len(legal) == 0 {
					break
				}
				next := legal[c%len(legal)]
				stream = append(stream, domain.StatusEvent("walk", domain.EventTypeFor(next), ""))
				current = next
			}
			pr, err := fsm.Replay(stream)
			return err == nil && pr.Status == current
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
