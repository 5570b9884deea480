package callout

import (
	"fmt"
	"sort"
	"strings"

	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/ledger"
)

// Mention renders a Slack user mention.
func Mention(userID string) string {
	return "<@" + userID + ">"
}

func amount(ex config.Exercise, reps int) string {
	if u := ex.UnitLabel(); u != "" {
		return fmt.Sprintf("%d %s %s", reps, u, ex.Name)
	}
	return fmt.Sprintf("%d %s", reps, ex.Name)
}

// FormatCallout renders the announcement for a fired callout.
func FormatCallout(ev Event) string {
	what := amount(ev.Exercise, ev.Reps)
	switch {
	case ev.Group:
		return fmt.Sprintf("<!here> %s NOW!", what)
	case len(ev.Users) == 0:
		return fmt.Sprintf("Nobody seems to be around for %s. Next time!", what)
	}
	mentions := make([]string, len(ev.Users))
	for i, u := range ev.Users {
		mentions[i] = Mention(u)
	}
	return fmt.Sprintf("%s %s NOW!", strings.Join(mentions, ", "), what)
}

// FormatStats renders a room's totals for the exercises currently configured.
func FormatStats(exercises []config.Exercise, stats ledger.RoomStats) string {
	users := make([]string, 0, len(stats))
	for u := range stats {
		users = append(users, u)
	}
	sort.Strings(users)

	var sb strings.Builder
	sb.WriteString("*Workout stats* 📊\n")
	lines := 0
	for _, u := range users {
		var parts []string
		for _, ex := range exercises {
			if n := stats[u][ex.Slug]; n > 0 {
				parts = append(parts, amount(ex, n))
			}
		}
		if len(parts) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", Mention(u), strings.Join(parts, ", "))
		lines++
	}
	if lines == 0 {
		sb.WriteString("No reps recorded yet.\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HelpText lists the chat commands.
const HelpText = "*Workout bot commands*\n" +
	"• `start` – start callouts in this channel\n" +
	"• `stop` – stop callouts in this channel\n" +
	"• `stats` – show everyone's totals\n" +
	"• `status` – show when the next callout is due\n" +
	"• `help` – show this message"
