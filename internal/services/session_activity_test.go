package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clawboard/internal/models"
	"clawboard/pkg/openclaw"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concurrencyGateway 统计 SessionHistory 的最大并发
type concurrencyGateway struct {
	*fakeGateway
	mu      sync.Mutex
	current int
	peak    int
}

func (g *concurrencyGateway) SessionHistory(ctx context.Context, key string, limit int, includeTools bool) ([]openclaw.HistoryMessage, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.current--
		g.mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	return g.fakeGateway.SessionHistory(ctx, key, limit, includeTools)
}

func execHistory(callID, command, output string) []openclaw.HistoryMessage {
	return []openclaw.HistoryMessage{
		assistantCall(1717000000, map[string]any{
			"type": "toolCall", "id": callID, "name": "exec",
			"arguments": map[string]any{"command": command},
		}),
		toolResult(1717000001, callID, "exec", output),
	}
}

func TestSessionActivity_AggregatesRunsAndLinks(t *testing.T) {
	db := newTicketServiceTestDB(t)
	gw := newFakeGateway()

	key := "agent:coder:subagent:1"
	current := &models.Ticket{Title: "Fix login", Status: models.StatusInProgress, Assignee: "coder", Priority: models.PriorityHigh, AgentSessionKey: &key}
	require.NoError(t, db.Create(current).Error)
	previous := &models.Ticket{Title: "Old work", Status: models.StatusReview, Assignee: "coder", Priority: models.PriorityLow}
	require.NoError(t, db.Create(previous).Error)

	gw.sessions = []openclaw.SessionSummary{
		{Key: key, Kind: "subagent", Label: SessionLabel(current.ID), Status: "running", Model: "m1"},
		{Key: "agent:coder:subagent:0", Kind: "subagent", Label: SessionLabel(previous.ID), Status: "idle"},
		{Key: "main", Kind: "direct", Status: "idle"},
	}
	gw.history[key] = execHistory("c1", "go test ./...", "ok")
	gw.history["agent:coder:subagent:0"] = execHistory("c2", "make lint", "Error: lint failed")

	svc := NewSessionActivityService(db, gw, nil, SessionActivityConfig{}, quietLogger())
	out, err := svc.ListSessionActivity(context.Background(), SessionActivityQuery{})
	require.NoError(t, err)
	require.Len(t, out, 3)

	first := out[0]
	assert.Equal(t, key, first.Key)
	assert.Equal(t, "coder", first.AgentID)
	assert.Equal(t, "m1", first.Model)
	require.Len(t, first.LinkedTickets, 1)
	assert.Equal(t, current.ID, first.LinkedTickets[0].ID)
	assert.True(t, first.LinkedTickets[0].Current)
	require.Len(t, first.Runs, 1)
	assert.Equal(t, RunSuccess, first.Runs[0].Status)

	second := out[1]
	require.Len(t, second.LinkedTickets, 1)
	assert.Equal(t, previous.ID, second.LinkedTickets[0].ID)
	assert.False(t, second.LinkedTickets[0].Current)
	require.Len(t, second.Runs, 1)
	assert.Equal(t, RunError, second.Runs[0].Status)

	third := out[2]
	assert.Empty(t, third.AgentID)
	assert.NotNil(t, third.LinkedTickets)
	assert.Empty(t, third.LinkedTickets)
	assert.NotNil(t, third.Runs)
	assert.Empty(t, third.HistoryError)
}

func TestSessionActivity_HistoryFailureIsolated(t *testing.T) {
	db := newTicketServiceTestDB(t)
	gw := newFakeGateway()
	gw.sessions = []openclaw.SessionSummary{
		{Key: "agent:main:a", Status: "idle"},
		{Key: "agent:main:b", Status: "idle"},
		{Key: "agent:main:c", Status: "idle"},
	}
	gw.history["agent:main:a"] = execHistory("c1", "ls", "ok")
	gw.historyErr["agent:main:b"] = &openclaw.GatewayError{Tool: openclaw.ToolSessionsHistory, Reason: "HTTP 403: forbidden"}
	gw.historyLag["agent:main:c"] = time.Second
	gw.history["agent:main:c"] = execHistory("c3", "sleep 5", "done")

	cfg := SessionActivityConfig{HistoryTimeout: 50 * time.Millisecond}
	svc := NewSessionActivityService(db, gw, nil, cfg, quietLogger())
	out, err := svc.ListSessionActivity(context.Background(), SessionActivityQuery{})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Empty(t, out[0].HistoryError)
	assert.Len(t, out[0].Runs, 1)
	assert.Equal(t, "HTTP 403: forbidden", out[1].HistoryError)
	assert.Empty(t, out[1].Runs)
	assert.Contains(t, out[2].HistoryError, context.DeadlineExceeded.Error())
	assert.Empty(t, out[2].Runs)
}

func TestSessionActivity_BoundedFanOut(t *testing.T) {
	db := newTicketServiceTestDB(t)
	gw := &concurrencyGateway{fakeGateway: newFakeGateway()}
	for i := 0; i < 20; i++ {
		gw.sessions = append(gw.sessions, openclaw.SessionSummary{Key: fmt.Sprintf("agent:main:%d", i)})
	}

	svc := NewSessionActivityService(db, gw, nil, SessionActivityConfig{MaxConcurrency: 3}, quietLogger())
	out, err := svc.ListSessionActivity(context.Background(), SessionActivityQuery{Limit: 20})
	require.NoError(t, err)
	assert.Len(t, out, 20)
	assert.LessOrEqual(t, gw.peak, 3)
	assert.Greater(t, gw.peak, 0)
}

func TestSessionActivity_ListFailure(t *testing.T) {
	db := newTicketServiceTestDB(t)
	gw := newFakeGateway()
	gw.sessionErr = &openclaw.GatewayError{Tool: openclaw.ToolSessionsList, Reason: "Gateway request failed: connection refused", Err: errors.New("dial")}

	svc := NewSessionActivityService(db, gw, nil, SessionActivityConfig{}, quietLogger())
	_, err := svc.ListSessionActivity(context.Background(), SessionActivityQuery{})
	require.Error(t, err)
	var gwErr *openclaw.GatewayError
	assert.ErrorAs(t, err, &gwErr)
}

func TestSessionActivity_NotConfigured(t *testing.T) {
	db := newTicketServiceTestDB(t)
	gw := newFakeGateway()
	gw.configured = false

	svc := NewSessionActivityService(db, gw, nil, SessionActivityConfig{}, quietLogger())
	_, err := svc.ListSessionActivity(context.Background(), SessionActivityQuery{})
	assert.ErrorIs(t, err, openclaw.ErrNotConfigured)
}

func TestSessionActivity_QueryValidation(t *testing.T) {
	db := newTicketServiceTestDB(t)
	svc := NewSessionActivityService(db, newFakeGateway(), nil, SessionActivityConfig{}, quietLogger())

	tests := []struct {
		name    string
		query   SessionActivityQuery
		wantErr bool
		want    SessionActivityQuery
	}{
		{"defaults", SessionActivityQuery{}, false, SessionActivityQuery{Limit: 20, HistoryLimit: 120, MaxRuns: 25}},
		{"explicit", SessionActivityQuery{Limit: 5, HistoryLimit: 10, MaxRuns: 3}, false, SessionActivityQuery{Limit: 5, HistoryLimit: 10, MaxRuns: 3}},
		{"limit too large", SessionActivityQuery{Limit: 101}, true, SessionActivityQuery{}},
		{"negative", SessionActivityQuery{MaxRuns: -1}, true, SessionActivityQuery{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.normalize(tt.query)
			if tt.wantErr {
				var vErr *ValidationError
				assert.ErrorAs(t, err, &vErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAgentIDFromSessionKey(t *testing.T) {
	assert.Equal(t, "coder", AgentIDFromSessionKey("agent:coder:subagent:abc"))
	assert.Equal(t, "main", AgentIDFromSessionKey("agent:main"))
	assert.Empty(t, AgentIDFromSessionKey("main"))
	assert.Empty(t, AgentIDFromSessionKey("user:coder:x"))
}

func TestTicketIDFromLabel(t *testing.T) {
	id, ok := TicketIDFromLabel("ticket-42")
	assert.True(t, ok)
	assert.Equal(t, uint(42), id)

	for _, label := range []string{"", "ticket-", "ticket-0", "ticket-x", "job-42"} {
		_, ok := TicketIDFromLabel(label)
		assert.False(t, ok, label)
	}
}
