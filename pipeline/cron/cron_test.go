//go:build unit

package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	} {
		_, err := Parse(expr)
		require.ErrorIs(t, err, ErrInvalidExpression, expr)
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, time.March, 10, 14, 37, 12, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, time.March, 10, 14, 38, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, time.March, 10, 14, 45, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)},
		{"30 3 * * *", time.Date(2026, time.March, 11, 3, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2026, time.March, 11, 9, 0, 0, 0, time.UTC)},
		{"0 12 29 2 *", time.Date(2028, time.February, 29, 12, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		schedule, err := Parse(tc.expr)
		require.NoError(t, err, tc.expr)

		next, err := schedule.Next(from)
		if tc.expr == "0 12 29 2 *" {
			// leap day is more than a year away
			require.ErrorIs(t, err, ErrNoMatch)

			continue
		}

		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, next, tc.expr)
	}
}

func TestNext_NilSchedule(t *testing.T) {
	t.Parallel()

	var e *expression

	_, err := e.Next(time.Now())
	require.ErrorIs(t, err, ErrNilSchedule)
}
