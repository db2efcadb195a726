package board

import (
	"fmt"
	"strings"
	"time"

	"attendboard/internal/attendance"
	"attendboard/internal/gateway"
)

// ActionPrefix marks board button data; the suffix is an attendance.Action.
const ActionPrefix = "act:"

// Controls is the fixed control set attached to every live board.
func Controls() gateway.Controls {
	return gateway.Controls{{
		{Text: "🟢 In", Data: ActionPrefix + string(attendance.ActionIn)},
		{Text: "☕ Break", Data: ActionPrefix + string(attendance.ActionBreak)},
		{Text: "🔴 Out", Data: ActionPrefix + string(attendance.ActionOut)},
	}}
}

// ParseControl extracts the action from board button data.
func ParseControl(data string) (attendance.Action, bool) {
	rest, ok := strings.CutPrefix(data, ActionPrefix)
	if !ok {
		return "", false
	}
	a, err := attendance.ParseAction(rest)
	return a, err == nil
}

var actionLabels = map[attendance.Action]string{
	attendance.ActionIn:    "🟢 in since",
	attendance.ActionBreak: "☕ on break since",
	attendance.ActionOut:   "🔴 out at",
}

// Render builds the board text for the day containing now. now must already
// be in the display location.
func Render(now time.Time, summaries []attendance.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Attendance · %s\n\n", now.Format("Mon, 2 Jan 2006"))
	if len(summaries) == 0 {
		b.WriteString("No one has checked in yet.\n")
	}
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s: %s %s (%s)\n",
			i+1, s.DisplayName, actionLabels[s.LastAction], s.LastAt.In(now.Location()).Format("15:04"), formatWorked(s.Worked))
	}
	fmt.Fprintf(&b, "\nUpdated %s", now.Format("15:04"))
	return b.String()
}

func formatWorked(d time.Duration) string {
	d = d.Truncate(time.Minute)
	return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
}

// WelcomeText is posted in reply to /start.
const WelcomeText = "👋 Hi! I keep a pinned attendance board for this chat.\n\n" +
	"Press 🟢 In when you start, ☕ Break when you step away and 🔴 Out when you are done for the day. " +
	"Leaving asks for a quick confirmation. Open sessions are closed automatically at midnight."
