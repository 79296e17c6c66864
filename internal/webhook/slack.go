package webhook

import (
	"encoding/json"
	"fmt"

	"maestro/internal/domain/task"
)

// Slack incoming-webhook message with a single colored attachment.

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func slackPayload(e *task.Event, t *task.Task, projectName string) ([]byte, error) {
	attachment := slackAttachment{
		Color: eventColor(e.Type),
		Title: t.Name,
		Text:  eventSummary(e, t),
		Ts:    e.CreatedAt.Unix(),
		Fields: []slackField{
			{Title: "Task", Value: t.ID, Short: true},
			{Title: "Status", Value: string(t.Status), Short: true},
		},
	}
	if project := projectLabel(projectName, t); project != "" {
		attachment.Fields = append(attachment.Fields,
			slackField{Title: "Project", Value: project, Short: true})
	}
	if user := detailString(e.Details["user"]); user != "" {
		attachment.Fields = append(attachment.Fields,
			slackField{Title: "By", Value: user, Short: true})
	}
	if t.Error != "" {
		attachment.Fields = append(attachment.Fields,
			slackField{Title: "Error", Value: t.Error, Short: false})
	}
	if result := detailString(e.Details["result"]); result != "" {
		attachment.Fields = append(attachment.Fields,
			slackField{Title: "Result", Value: result, Short: false})
	}
	return json.Marshal(slackMessage{
		Text:        fmt.Sprintf("Task %s", e.Type),
		Attachments: []slackAttachment{attachment},
	})
}

// projectLabel prefers the resolved project name; a task that predates the
// name lookup still shows its project id.
func projectLabel(name string, t *task.Task) string {
	if name != "" {
		return name
	}
	return t.ProjectID
}

// detailString renders one event detail for a chat field: strings pass
// through, anything else becomes compact JSON, and long values are cut so a
// huge task result cannot blow up the message.
func detailString(v any) string {
	const max = 256
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s = val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		s = string(b)
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

// eventColor maps event types to sidebar colors shared by both services.
func eventColor(t task.EventType) string {
	switch t {
	case task.EventCompleted:
		return "#2eb886"
	case task.EventFailed:
		return "#cc0000"
	case task.EventCancelled:
		return "#999999"
	case task.EventStarted:
		return "#3399ff"
	default:
		return "#dddddd"
	}
}

func eventSummary(e *task.Event, t *task.Task) string {
	switch e.Type {
	case task.EventCreated:
		return fmt.Sprintf("Task %q was created", t.Name)
	case task.EventStarted:
		return fmt.Sprintf("Task %q started running", t.Name)
	case task.EventCompleted:
		return fmt.Sprintf("Task %q completed successfully", t.Name)
	case task.EventFailed:
		return fmt.Sprintf("Task %q failed", t.Name)
	case task.EventCancelled:
		return fmt.Sprintf("Task %q was cancelled", t.Name)
	default:
		return fmt.Sprintf("Task %q: %s", t.Name, e.Type)
	}
}
