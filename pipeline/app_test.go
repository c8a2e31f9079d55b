//go:build unit

package pipeline

import (
	"errors"
	"testing"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcApp func(*Launcher) error

func (f funcApp) Run(l *Launcher) error { return f(l) }

func TestLauncher_RunsAllAppsAndJoinsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ran := make(chan string, 2)

	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("ok", funcApp(func(*Launcher) error { ran <- "ok"; return nil })),
		RunApp("bad", funcApp(func(*Launcher) error { ran <- "bad"; return boom })),
	)

	err := l.RunWithError()
	require.ErrorIs(t, err, boom)
	assert.Len(t, ran, 2)
}

func TestLauncher_ConfigErrors(t *testing.T) {
	t.Parallel()

	l := NewLauncher(WithLogger(log.NewNop()), RunApp("  ", funcApp(nil)), RunApp("nil", nil))

	err := l.RunWithError()
	require.ErrorIs(t, err, ErrConfigFailed)
	require.ErrorIs(t, err, ErrEmptyApp)
	require.ErrorIs(t, err, ErrNilApp)
}

func TestLauncher_Guards(t *testing.T) {
	t.Parallel()

	var nilLauncher *Launcher
	require.ErrorIs(t, nilLauncher.RunWithError(), ErrNilLauncher)
	require.ErrorIs(t, nilLauncher.Add("x", funcApp(nil)), ErrNilLauncher)

	require.ErrorIs(t, NewLauncher().RunWithError(), ErrLoggerNil)
}
