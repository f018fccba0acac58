package groutine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesContext(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker-1", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-1", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoRecover_ReportsPanic(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recovered := make(chan any, 1)
	GoRecover(context.Background(), "handler", logger, func(r any) { recovered <- r }, func(ctx context.Context) {
		panic("boom")
	})

	select {
	case r := <-recovered:
		require.NotNil(t, r)
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck // nil is handled
}
