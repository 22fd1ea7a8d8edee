package mq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
)

func TestDispositionFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{name: "success", err: nil, want: Ack},
		{name: "malformed", err: fmt.Errorf("%w: missing device_id", uplink.ErrMalformedEvent), want: Reject},
		{name: "storage", err: fmt.Errorf("%w: begin: timeout", repository.ErrStorageUnavailable), want: Requeue},
		{name: "unknown", err: errors.New("boom"), want: Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DispositionFor(tt.err))
		})
	}
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "unknown", Disposition(9).String())
}

func TestWaitBeforeRequeue(t *testing.T) {
	t.Run("waits for the delay", func(t *testing.T) {
		c := &Consumer{requeueDelay: 50 * time.Millisecond}
		start := time.Now()
		c.waitBeforeRequeue(context.Background())
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("returns on cancellation", func(t *testing.T) {
		c := &Consumer{requeueDelay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		c.waitBeforeRequeue(ctx)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("zero delay does not wait", func(t *testing.T) {
		c := &Consumer{}
		start := time.Now()
		c.waitBeforeRequeue(context.Background())
		assert.Less(t, time.Since(start), 10*time.Millisecond)
	})
}
