package services

import (
	"fmt"
	"strings"

	"clawboard/internal/models"
)

// SessionLabel sessions_spawn 使用的会话标签
func SessionLabel(ticketID uint) string {
	return fmt.Sprintf("ticket-%d", ticketID)
}

func statusInstruction(status string) string {
	if status == models.StatusPlan {
		return "Perform planning and analysis only, then move the ticket to Review when planning is complete."
	}
	return "Implement the requested change, then move the ticket to Review when implementation is complete."
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// BuildSpawnPrompt 新会话的任务描述
func BuildSpawnPrompt(t *models.Ticket, status, apiBaseURL string) string {
	assignee := orDefault(t.Assignee, models.Unassigned)
	var b strings.Builder
	fmt.Fprintf(&b, "# Ticket #%d: %s\n\n", t.ID, t.Title)
	fmt.Fprintf(&b, "Description:\n%s\n\n", orDefault(t.Description, "(none)"))
	fmt.Fprintf(&b, "Priority: %s\n", orDefault(t.Priority, models.PriorityMedium))
	fmt.Fprintf(&b, "Assignee: %s\n", assignee)
	fmt.Fprintf(&b, "Current Status: %s\n\n", status)
	fmt.Fprintf(&b, "You were assigned this ticket because it moved to %s.\n", status)
	b.WriteString("Read the ticket and existing comments before starting, especially the latest comment.\n")
	b.WriteString(statusInstruction(status) + "\n")
	b.WriteString("Report updates by posting comments to the Kanban API.\n")
	fmt.Fprintf(&b, "POST %s/api/tickets/%d/comments with JSON {\"author\":\"%s\",\"content\":\"update\"}\n",
		strings.TrimRight(apiBaseURL, "/"), t.ID, assignee)
	b.WriteString("Keep the response concise and actionable.")
	return b.String()
}

// BuildFollowupPrompt 转发新评论给已有会话
func BuildFollowupPrompt(t *models.Ticket, c *models.TicketComment, apiBaseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket #%d received a new comment.\n\n", t.ID)
	fmt.Fprintf(&b, "Title: %s\n", orDefault(t.Title, "(untitled)"))
	fmt.Fprintf(&b, "Status: %s\n", orDefault(t.Status, "(unknown)"))
	fmt.Fprintf(&b, "Author: %s\n\n", orDefault(c.Author, "Unknown"))
	fmt.Fprintf(&b, "New comment:\n%s\n\n", orDefault(c.Content, "(empty)"))
	b.WriteString("Read ticket details and latest comments before responding. ")
	b.WriteString("Post a concise update comment if action is needed.\n")
	fmt.Fprintf(&b, "Comments endpoint: POST %s/api/tickets/%d/comments", strings.TrimRight(apiBaseURL, "/"), t.ID)
	return b.String()
}

// 系统评论
func pickupStartedComment(assignee, status, key string) string {
	return fmt.Sprintf("Agent pickup started for **%s** on **%s**. Session: `%s`", assignee, status, key)
}

func pickupFailedComment(reason string) string {
	return "Agent pickup failed: " + reason
}
