package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"maestro/internal/domain/task"
)

// Discord webhook message with a single embed.

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func discordPayload(e *task.Event, t *task.Task, projectName string) ([]byte, error) {
	embed := discordEmbed{
		Title:       t.Name,
		Description: eventSummary(e, t),
		Color:       hexColor(eventColor(e.Type)),
		Timestamp:   e.CreatedAt.UTC().Format(time.RFC3339),
		Fields: []discordField{
			{Name: "Task", Value: t.ID, Inline: true},
			{Name: "Status", Value: string(t.Status), Inline: true},
		},
	}
	if project := projectLabel(projectName, t); project != "" {
		embed.Fields = append(embed.Fields,
			discordField{Name: "Project", Value: project, Inline: true})
	}
	if user := detailString(e.Details["user"]); user != "" {
		embed.Fields = append(embed.Fields,
			discordField{Name: "By", Value: user, Inline: true})
	}
	if t.Error != "" {
		embed.Fields = append(embed.Fields,
			discordField{Name: "Error", Value: t.Error})
	}
	if result := detailString(e.Details["result"]); result != "" {
		embed.Fields = append(embed.Fields,
			discordField{Name: "Result", Value: result})
	}
	return json.Marshal(discordMessage{
		Content: fmt.Sprintf("Task %s", e.Type),
		Embeds:  []discordEmbed{embed},
	})
}

// hexColor converts "#rrggbb" to the integer form Discord embeds expect.
func hexColor(s string) int {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
