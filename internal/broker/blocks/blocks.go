// Package blocks builds the Block Kit payloads the broker posts to chat.
// Builders are pure functions shared by the message router and the slash
// command surface.
package blocks

import (
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/botmaster/botmaster/internal/broker/health"
	"github.com/botmaster/botmaster/internal/broker/registry"
	"github.com/botmaster/botmaster/internal/task/models"
)

const maxResultChars = 2800

// markdown wraps text in a markdown section block.
func markdown(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func contextLine(text string) *slack.ContextBlock {
	return slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}

// TaskQueued renders the "agent offline, task queued" notice.
func TaskQueued(task *models.Task, agentID string, ttl time.Duration) []slack.Block {
	return []slack.Block{
		markdown(fmt.Sprintf("📥 *Task queued* — agent `%s` is offline.\nThe task will be delivered when the agent reconnects (expires in %s).", agentID, formatDuration(ttl))),
		contextLine(fmt.Sprintf("Task `%s` · bot `%s`", task.ID, task.BotName)),
	}
}

// TaskCompleted renders the terminal block for a successful task.
func TaskCompleted(task *models.Task) []slack.Block {
	out := []slack.Block{
		markdown("✅ *Task completed*"),
		markdown(truncateResult(task.Result)),
	}
	if len(task.FilesChanged) > 0 {
		out = append(out, markdown("*Files changed:*\n"+bulletList(task.FilesChanged, 10)))
	}
	if len(task.CommandsRun) > 0 {
		out = append(out, markdown("*Commands run:*\n"+bulletList(task.CommandsRun, 5)))
	}
	out = append(out, contextLine(taskFooter(task)))
	return out
}

// TaskFailed renders the terminal block for a failed task.
func TaskFailed(task *models.Task) []slack.Block {
	out := []slack.Block{
		markdown(fmt.Sprintf("❌ *Task failed*\n%s", truncateResult(task.ErrorMessage))),
	}
	if task.SessionID != "" {
		out = append(out, contextLine("The session is preserved — resubmit to continue from where it stopped."))
	}
	out = append(out, contextLine(taskFooter(task)))
	return out
}

// TaskCancelled renders the terminal block for a cancelled task.
func TaskCancelled(task *models.Task, reason string) []slack.Block {
	text := "🚫 *Task cancelled*"
	if reason != "" {
		text += "\n" + reason
	}
	return []slack.Block{markdown(text), contextLine(taskFooter(task))}
}

// ParentSummary renders the aggregate block posted when the last subtask of
// a decomposition parent reaches a terminal state.
func ParentSummary(parent *models.Task, subtasks []*models.Task) []slack.Block {
	var completed, failed, cancelled int
	var cost float64
	var files []string
	for _, st := range subtasks {
		switch st.Status {
		case models.TaskStatusCompleted:
			completed++
		case models.TaskStatusFailed:
			failed++
		case models.TaskStatusCancelled:
			cancelled++
		}
		cost += st.EstimatedCost
		files = models.UnionOrdered(files, st.FilesChanged)
	}

	head := fmt.Sprintf("📋 *Subtasks finished* — %d completed", completed)
	if failed > 0 {
		head += fmt.Sprintf(", %d failed", failed)
	}
	if cancelled > 0 {
		head += fmt.Sprintf(", %d cancelled", cancelled)
	}
	out := []slack.Block{markdown(head)}

	for _, st := range subtasks {
		out = append(out, contextLine(fmt.Sprintf("%s `%s` — %s",
			statusEmoji(st.Status), st.ID, firstLine(st.Prompt, 80))))
	}
	if len(files) > 0 {
		out = append(out, markdown("*Files changed:*\n"+bulletList(files, 10)))
	}
	out = append(out, contextLine(fmt.Sprintf("Parent `%s` · total cost $%.4f", parent.ID, cost)))
	return out
}

// DeployResult renders the outcome of a deploy request.
func DeployResult(success bool, output, buildLogsURL string) []slack.Block {
	var out []slack.Block
	if success {
		out = append(out, markdown("🚀 *Deploy succeeded*"))
	} else {
		out = append(out, markdown("❌ *Deploy failed*"))
	}
	if output != "" {
		out = append(out, markdown("```"+truncate(output, 1500)+"```"))
	}
	if buildLogsURL != "" {
		out = append(out, contextLine(fmt.Sprintf("<%s|Build logs>", buildLogsURL)))
	}
	return out
}

// AgentList renders the registry and breaker view for /bm agents.
func AgentList(agents []registry.Agent, states map[string]health.State) []slack.Block {
	if len(agents) == 0 {
		return []slack.Block{markdown("No agents have ever connected.")}
	}
	out := []slack.Block{markdown("*Agents*")}
	for _, a := range agents {
		line := fmt.Sprintf("%s `%s` — %s", presenceEmoji(a.Status), a.ID, a.Status)
		if len(a.ActiveTaskIDs) > 0 {
			line += fmt.Sprintf(" · %d active task(s)", len(a.ActiveTaskIDs))
		}
		if st, ok := states[a.ID]; ok && st != health.StateClosed {
			line += fmt.Sprintf(" · circuit %s", st)
		}
		if !a.LastHeartbeat.IsZero() {
			line += fmt.Sprintf(" · last beat %s ago", formatDuration(time.Since(a.LastHeartbeat)))
		}
		out = append(out, contextLine(line))
	}
	return out
}

// QueueSummary renders pending offline entries for /bm queue.
func QueueSummary(agentID string, entries []*models.OfflineQueueEntry) []slack.Block {
	if len(entries) == 0 {
		return []slack.Block{markdown(fmt.Sprintf("Offline queue for `%s` is empty.", agentID))}
	}
	out := []slack.Block{markdown(fmt.Sprintf("*Offline queue for `%s`* — %d pending", agentID, len(entries)))}
	for i, e := range entries {
		if i >= 10 {
			out = append(out, contextLine(fmt.Sprintf("… and %d more", len(entries)-i)))
			break
		}
		out = append(out, contextLine(fmt.Sprintf("#%d %s · queued %s · expires %s",
			e.ID, e.MessageType,
			e.CreatedAt.Format("Jan 2 15:04"),
			e.ExpiresAt.Format("Jan 2 15:04"))))
	}
	return out
}

// AuditTrail renders recent audit entries for /bm logs.
func AuditTrail(entries []*models.AuditLogEntry) []slack.Block {
	if len(entries) == 0 {
		return []slack.Block{markdown("No audit entries for this project yet.")}
	}
	out := []slack.Block{markdown("*Recent activity*")}
	for _, e := range entries {
		out = append(out, contextLine(fmt.Sprintf("`%s` %s %s/%s",
			e.CreatedAt.Format("Jan 2 15:04"), e.Action, e.ResourceType, e.ResourceID)))
	}
	return out
}

// ScheduleList renders a project's schedules for /bm schedule list.
func ScheduleList(schedules []*models.Schedule) []slack.Block {
	if len(schedules) == 0 {
		return []slack.Block{markdown("No schedules configured for this project.")}
	}
	out := []slack.Block{markdown("*Schedules*")}
	for _, s := range schedules {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		out = append(out, contextLine(fmt.Sprintf("`%s` · `%s` · %s %s — %s",
			s.ID, s.CronExpr, s.BotName, s.Command, state)))
	}
	return out
}

// Fallback flattens blocks into the plain-text notification fallback.
func Fallback(blocks []slack.Block) string {
	var parts []string
	for _, b := range blocks {
		switch v := b.(type) {
		case *slack.SectionBlock:
			if v.Text != nil {
				parts = append(parts, v.Text.Text)
			}
		case *slack.ContextBlock:
			for _, el := range v.ContextElements.Elements {
				if t, ok := el.(*slack.TextBlockObject); ok {
					parts = append(parts, t.Text)
				}
			}
		}
	}
	return truncate(strings.Join(parts, "\n"), 3000)
}

func taskFooter(task *models.Task) string {
	parts := []string{fmt.Sprintf("Task `%s`", task.ID)}
	if task.EstimatedCost > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", task.EstimatedCost))
	}
	if task.InputTokens > 0 || task.OutputTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d in / %d out tokens", task.InputTokens, task.OutputTokens))
	}
	if task.CompletedAt != nil && !task.CreatedAt.IsZero() {
		parts = append(parts, formatDuration(task.CompletedAt.Sub(task.CreatedAt)))
	}
	return strings.Join(parts, " · ")
}

func statusEmoji(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return "✅"
	case models.TaskStatusFailed:
		return "❌"
	case models.TaskStatusCancelled:
		return "🚫"
	case models.TaskStatusRunning:
		return "⏳"
	default:
		return "•"
	}
}

func presenceEmoji(s registry.Status) string {
	switch s {
	case registry.StatusOnline:
		return "🟢"
	case registry.StatusBusy:
		return "🟡"
	default:
		return "⚫"
	}
}

func bulletList(items []string, max int) string {
	var b strings.Builder
	for i, item := range items {
		if i >= max {
			fmt.Fprintf(&b, "… and %d more\n", len(items)-i)
			break
		}
		fmt.Fprintf(&b, "• `%s`\n", truncate(item, 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateResult(text string) string {
	if text == "" {
		return "_(no output)_"
	}
	return truncate(text, maxResultChars)
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

func firstLine(text string, max int) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return truncate(text, max)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}
