//go:build property
// +build property

package outbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/fsm"
	"gridconsent/internal/outbox"
)

func legalNext(current domain.Status) []domain.Status {
	var out []domain.Status
	for _, op := range fsm.Operations {
		if fsm.Accepts(current, op) {
			out = append(out, fsm.Outcomes(op)...)
		}
	}
	return out
}

func TestOutboxProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying a committed stream yields the latest stored status", prop.ForAll(
		func(choices []int) bool {
			ctx := context.Background()
			store := events.NewMemoryStore()
			ob := newOutbox(store, &recordingEmitter{}, outbox.Options{})
			if _, err := ob.Commit(ctx, created("walk")); err != nil {
				return false
			}
			current := domain.StatusCreated
			for _, c := range choices {
				if c%5 == 0 && !current.IsTerminal() {
					if _, err := ob.Commit(ctx, domain.MeterReadingEvent("walk", fixedNow)); err != nil {
						return false
					}
					continue
				}
				legal := legalNext(current)
				if len(legal) == 0 {
					break
				}
				next := legal[c%len(legal)]
				if _, err := ob.Commit(ctx, status("walk", domain.EventTypeFor(next))); err != nil {
					return false
				}
				current = next
			}
			stream, err := store.FindByPermissionID(ctx, "walk")
			if err != nil {
				return false
			}
			pr, err := fsm.Replay(stream)
			if err != nil {
				return false
			}
			latest, err := store.FindLatestStatus(ctx, "walk")
			return err == nil && latest == pr.Status && pr.Status == current
		},
		gen.SliceOf(gen.IntRange(0, 50)),
	))

	properties.Property("concurrent commits on one aggregate never lose updates", prop.ForAll(
		func(writers int, perWriter int) bool {
			ctx := context.Background()
			store := events.NewMemoryStore()
			ob := newOutbox(store, &recordingEmitter{}, outbox.Options{})
			for _, e := range []domain.Event{created("p"), status("p", domain.EventValidated), status("p", domain.EventAccepted)} {
				if _, err := ob.Commit(ctx, e); err != nil {
					return false
				}
			}
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						e := domain.MeterReadingEvent("p", fixedNow)
						e.Data = map[string]string{"writer": fmt.Sprint(w)}
						_, _ = ob.Commit(ctx, e)
					}
				}(w)
			}
			wg.Wait()
			stream, err := store.FindByPermissionID(ctx, "p")
			if err != nil || len(stream) != 3+writers*perWriter {
				return false
			}
			for i, e := range stream {
				if e.Seq != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
