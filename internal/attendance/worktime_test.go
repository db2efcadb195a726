package attendance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendboard/internal/attendance"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, time.March, 2, hour, minute, 0, 0, time.UTC)
}

func evt(action attendance.Action, when time.Time) attendance.Event {
	return attendance.Event{ChatID: 1, UserID: 7, DisplayName: "Ann", Action: action, When: when}
}

func TestCalcWorkTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		events []attendance.Event
		now    time.Time
		want   time.Duration
	}{
		{
			name: "Empty",
			now:  at(12, 0),
			want: 0,
		},
		{
			name:   "OpenSessionCountsUntilNow",
			events: []attendance.Event{evt(attendance.ActionIn, at(8, 0))},
			now:    at(8, 30),
			want:   30 * time.Minute,
		},
		{
			name: "BreakSplitsSessions",
			events: []attendance.Event{
				evt(attendance.ActionIn, at(8, 0)),
				evt(attendance.ActionBreak, at(10, 0)),
				evt(attendance.ActionIn, at(10, 30)),
				evt(attendance.ActionOut, at(12, 0)),
			},
			now:  at(18, 0),
			want: 3*time.Hour + 30*time.Minute,
		},
		{
			name: "DuplicateInIgnored",
			events: []attendance.Event{
				evt(attendance.ActionIn, at(8, 0)),
				evt(attendance.ActionIn, at(9, 0)),
				evt(attendance.ActionOut, at(10, 0)),
			},
			now:  at(12, 0),
			want: 2 * time.Hour,
		},
		{
			name: "UnorderedInput",
			events: []attendance.Event{
				evt(attendance.ActionOut, at(12, 0)),
				evt(attendance.ActionIn, at(9, 0)),
			},
			now:  at(13, 0),
			want: 3 * time.Hour,
		},
		{
			name: "CloseWithoutOpenIsNoop",
			events: []attendance.Event{
				evt(attendance.ActionBreak, at(7, 0)),
				evt(attendance.ActionIn, at(8, 0)),
				evt(attendance.ActionOut, at(9, 0)),
				evt(attendance.ActionOut, at(10, 0)),
			},
			now:  at(12, 0),
			want: time.Hour,
		},
		{
			name:   "NowBeforeOpenNeverNegative",
			events: []attendance.Event{evt(attendance.ActionIn, at(9, 0))},
			now:    at(8, 0),
			want:   0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, attendance.CalcWorkTime(tc.events, tc.now))
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	bob := func(action attendance.Action, when time.Time) attendance.Event {
		e := evt(action, when)
		e.UserID, e.DisplayName = 9, "Bob"
		return e
	}
	events := []attendance.Event{
		bob(attendance.ActionIn, at(9, 0)),
		evt(attendance.ActionIn, at(8, 0)),
		evt(attendance.ActionBreak, at(10, 0)),
	}
	got := attendance.Summarize(events, at(11, 0))
	require.Len(t, got, 2)

	require.Equal(t, int64(7), got[0].UserID)
	require.Equal(t, attendance.ActionBreak, got[0].LastAction)
	require.Equal(t, 2*time.Hour, got[0].Worked)

	require.Equal(t, "Bob", got[1].DisplayName)
	require.Equal(t, attendance.ActionIn, got[1].LastAction)
	require.Equal(t, 2*time.Hour, got[1].Worked)
}
