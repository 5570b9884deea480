package slack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/ledger"
)

// maxStatsRows keeps the stats message under Slack's block limit.
const maxStatsRows = 40

type statsRow struct {
	user  string
	total int
	parts []string
}

// StatsBlocks renders a room's totals, busiest members first.
func StatsBlocks(room string, exercises []config.Exercise, stats ledger.RoomStats) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "📊 Workout stats", false, false),
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Totals for <#%s>", room), false, false),
		),
	}

	var rows []statsRow
	for user, ex := range stats {
		r := statsRow{user: user}
		for _, e := range exercises {
			n := ex[e.Slug]
			if n <= 0 {
				continue
			}
			r.total += n
			if u := e.UnitLabel(); u != "" {
				r.parts = append(r.parts, fmt.Sprintf("%d %s %s", n, u, e.Name))
			} else {
				r.parts = append(r.parts, fmt.Sprintf("%d %s", n, e.Name))
			}
		}
		if r.total > 0 {
			rows = append(rows, r)
		}
	}

	if len(rows) == 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "_No reps recorded yet._", false, false),
			nil, nil,
		))
		return blocks
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].total != rows[j].total {
			return rows[i].total > rows[j].total
		}
		return rows[i].user < rows[j].user
	})

	var sb strings.Builder
	for i, r := range rows {
		if i == maxStatsRows {
			fmt.Fprintf(&sb, "_...and %d more_\n", len(rows)-maxStatsRows)
			break
		}
		fmt.Fprintf(&sb, "%s %s\n", callout.Mention(r.user), strings.Join(r.parts, ", "))
	}

	blocks = append(blocks, slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", sb.String(), false, false),
		nil, nil,
	))
	return blocks
}

// HelpBlocks creates rich help message blocks.
func HelpBlocks() []slack.Block {
	return []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "🏋 Workout bot — Help", false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", strings.Join([]string{
				"• `start` — Start callouts in this channel",
				"• `stop` — Stop callouts in this channel",
				"• `stats` — Everyone's totals for this channel",
				"• `status` — When the next callout is due",
				"• `help` — This message",
				"_In a DM, name the channel: `stats #general`_",
			}, "\n"), false, false),
			nil, nil,
		),
	}
}
