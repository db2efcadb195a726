package attendance

import (
	"sort"
	"time"
)

// CalcWorkTime reduces one member's events into accumulated work time.
// A repeated "in" while a session is open does not reopen it, and a session
// still open after the last event is counted up to now.
func CalcWorkTime(events []Event, now time.Time) time.Duration {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].When.Before(sorted[j].When)
	})

	var (
		total   time.Duration
		start   time.Time
		running bool
	)
	for _, evt := range sorted {
		switch evt.Action {
		case ActionIn:
			if !running {
				start = evt.When
				running = true
			}
		case ActionBreak, ActionOut:
			if running {
				total += evt.When.Sub(start)
				running = false
			}
		}
	}
	if running && now.After(start) {
		total += now.Sub(start)
	}
	if total < 0 {
		return 0
	}
	return total
}

// Summary is one member's line on the board.
type Summary struct {
	UserID      int64
	DisplayName string
	LastAction  Action
	LastAt      time.Time
	Worked      time.Duration
}

// Summarize groups events per member, ordered by each member's first event.
func Summarize(events []Event, now time.Time) []Summary {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].When.Before(sorted[j].When)
	})

	var order []int64
	byUser := make(map[int64][]Event)
	for _, evt := range sorted {
		if _, ok := byUser[evt.UserID]; !ok {
			order = append(order, evt.UserID)
		}
		byUser[evt.UserID] = append(byUser[evt.UserID], evt)
	}

	out := make([]Summary, 0, len(order))
	for _, id := range order {
		evts := byUser[id]
		last := evts[len(evts)-1]
		out = append(out, Summary{
			UserID:      id,
			DisplayName: last.DisplayName,
			LastAction:  last.Action,
			LastAt:      last.When,
			Worked:      CalcWorkTime(evts, now),
		})
	}
	return out
}
