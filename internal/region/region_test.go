package region_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridconsent/internal/region"
	"gridconsent/internal/region/simulation"
)

func TestRegistryLookup(t *testing.T) {
	fi := simulation.New(simulation.Config{ID: "fi-fingrid", Country: "fi"})
	at := simulation.New(simulation.Config{ID: "at-eda", Country: "AT"})
	reg, err := region.NewRegistry(fi, at)
	require.NoError(t, err)

	a, err := reg.Lookup("FI-Fingrid")
	require.NoError(t, err)
	assert.Equal(t, "fi-fingrid", a.ID())

	a, err = reg.Lookup("at")
	require.NoError(t, err)
	assert.Equal(t, "at-eda", a.ID())

	_, err = reg.Lookup("nl")
	assert.ErrorIs(t, err, region.ErrUnknownRegion)

	assert.Equal(t, []string{"at-eda", "fi-fingrid"}, reg.IDs())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := region.NewRegistry(simulation.New(simulation.Config{ID: "sim"}), simulation.New(simulation.Config{ID: "SIM"}))
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("poll: %w", region.NewError(region.KindForbidden, "revoked by customer"))
	assert.Equal(t, region.KindForbidden, region.KindOf(wrapped))
	assert.Equal(t, "revoked by customer", region.Reason(wrapped))
	assert.False(t, region.Retryable(wrapped))

	assert.Equal(t, region.KindTimeout, region.KindOf(context.DeadlineExceeded))
	assert.Equal(t, "timeout", region.Reason(fmt.Errorf("send: %w", context.DeadlineExceeded)))

	plain := errors.New("connection reset")
	assert.Equal(t, region.KindUnavailable, region.KindOf(plain))
	assert.True(t, region.Retryable(plain))
	assert.Equal(t, "connection reset", region.Reason(plain))
}
