package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeApplier fails the first fail calls with err.
type fakeApplier struct {
	fail  int
	err   error
	calls int
	last  models.Coord
}

func (f *fakeApplier) SetLocation(_ context.Context, _ string, p models.Coord, _ float64) error {
	f.calls++
	if f.calls <= f.fail {
		return f.err
	}
	f.last = p
	return nil
}

var update = ingest.LocationUpdate{DriverID: "d1", Lat: 1, Lng: 2, Heading: 45}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 2, err: errors.New("redis timeout")}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, update, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, f.last)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errors.New("redis timeout")}
	assert.Error(t, applyWithRetry(context.Background(), f, update, 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetry_DoesNotRetryOfflineDriver(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errs.NewNotFoundError("driver", "d1")}
	err := applyWithRetry(context.Background(), f, update, 3, time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 1, f.calls)
}

func TestApplyWithRetry_DoesNotRetryInvalidPoint(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errs.NewValidationError("location", "invalid coordinates")}
	err := applyWithRetry(context.Background(), f, update, 3, time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 1, f.calls)
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errors.New("redis timeout")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, applyWithRetry(ctx, f, update, 3, time.Second), context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestDecodedMessageFeedsApplier(t *testing.T) {
	u, err := ingest.DecodeLocation([]byte(`{"driverId":"d7","lat":3,"lng":4,"heading":10}`))
	require.NoError(t, err)
	f := &fakeApplier{}
	require.NoError(t, applyWithRetry(context.Background(), f, u, 1, time.Millisecond))
	assert.Equal(t, models.Coord{Lat: 3, Lon: 4}, f.last)

	_, err = ingest.DecodeLocation([]byte(`{"lat":3}`))
	assert.Error(t, err)
}
