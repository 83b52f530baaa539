package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	err error
}

func (f *fakeStarter) Start(ctx context.Context) error { return f.err }

type fakeShutdowner struct {
	calls  int
	hasDDL bool
	err    error
}

func (f *fakeShutdowner) Shutdown(ctx context.Context) error {
	f.calls++
	_, f.hasDDL = ctx.Deadline()
	return f.err
}

func TestServe_StartFailureStillShutsDownTelemetry(t *testing.T) {
	startErr := errors.New("listen tcp :8080: address already in use")
	tel := &fakeShutdowner{}

	err := serve(context.Background(), &fakeStarter{err: startErr}, tel)
	require.ErrorIs(t, err, startErr)
	assert.Equal(t, 1, tel.calls)
	assert.True(t, tel.hasDDL)
}

func TestServe_CleanExit(t *testing.T) {
	tel := &fakeShutdowner{err: errors.New("exporter unreachable")}

	err := serve(context.Background(), &fakeStarter{}, tel)
	assert.NoError(t, err, "shutdown failure is logged, not returned")
	assert.Equal(t, 1, tel.calls)
}
