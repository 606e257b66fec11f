package backoff

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestWrapper_SucceedsAfterRetries(t *testing.T) {
	ctx := context.Background()
	counter := int32(0)

	op := func() (any, error) {
		if atomic.AddInt32(&counter, 1) < 3 {
			return nil, errors.New("temporary error")
		}
		return "ok", nil
	}

	bw := New(ctx, time.Millisecond, 0, 1, 5)
	bw.SetDoOperation(op)

	called := int32(0)
	bw.SetNotify(func(err error, duration time.Duration) {
		atomic.AddInt32(&called, 1)
	})

	assert.NoError(t, bw.Exec())
	assert.EqualValues(t, 3, counter)
	assert.EqualValues(t, 2, called)
}

func TestWrapper_ReturnsErrorAfterMaxTries(t *testing.T) {
	ctx := context.Background()
	counter := int32(0)

	op := func() (any, error) {
		atomic.AddInt32(&counter, 1)
		return nil, errors.New("always fails")
	}

	bw := New(ctx, time.Millisecond, 0, 1, 3)
	bw.SetDoOperation(op)

	var lastErr error
	called := int32(0)
	bw.SetNotify(func(err error, duration time.Duration) {
		atomic.AddInt32(&called, 1)
		lastErr = err
	})

	err := bw.Exec()
	assert.Error(t, err)
	assert.EqualValues(t, 3, counter)
	assert.EqualValues(t, 2, called)
	assert.EqualError(t, lastErr, "always fails")
}
