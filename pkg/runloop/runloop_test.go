package runloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestRunTicksUntilCanceled(t *testing.T) {
	var ticks atomic.Int64
	loop := New(20*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, testEntry())

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Immediate tick plus several interval ticks.
	assert.GreaterOrEqual(t, ticks.Load(), int64(3))
}

func TestRunOnce(t *testing.T) {
	var ticks atomic.Int64
	loop := New(time.Hour, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, testEntry())

	require.NoError(t, loop.RunOnce(context.Background()))
	assert.Equal(t, int64(1), ticks.Load())
}

func TestRunSurvivesTickErrors(t *testing.T) {
	var ticks atomic.Int64
	loop := New(15*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return errors.New("boom")
	}, testEntry())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)
	assert.GreaterOrEqual(t, ticks.Load(), int64(2), "errors must not stop the loop")
}

func TestRunRejectsDoubleStart(t *testing.T) {
	loop := New(10*time.Millisecond, func(ctx context.Context) error {
		return nil
	}, testEntry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	err := loop.Run(context.Background())
	require.Error(t, err)

	cancel()
	<-done
}
