package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Token = "test-token"
	return NewClient(cfg, logger)
}

// replyWith 返回固定响应，并记录收到的请求
func replyWith(t *testing.T, status int, body string, got *InvokeRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/invoke" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNewClient(t *testing.T) {
	c := NewClient(nil, nil)
	require.NotNil(t, c)
	assert.NotNil(t, c.httpClient)
	assert.NotNil(t, c.logger)
	assert.False(t, c.Configured())
}

func TestInvokeTool_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantPrefix string
	}{
		{"non-200", http.StatusBadGateway, "upstream down", "Gateway error: upstream down"},
		{"non-200 empty body", http.StatusInternalServerError, "", "Gateway error: HTTP 500"},
		{"invalid json", http.StatusOK, "not-json", "Gateway returned invalid JSON"},
		{"ok false", http.StatusOK, `{"ok":false,"error":"denied"}`, "Gateway invoke failed:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, replyWith(t, tt.status, tt.body, nil))
			_, err := c.InvokeTool(context.Background(), ToolAgentsList, nil, time.Second)
			require.Error(t, err)

			var gwErr *GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.True(t, strings.HasPrefix(gwErr.Reason, tt.wantPrefix), "reason %q", gwErr.Reason)
		})
	}
}

func TestInvokeTool_ErrorBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 1000)
	c := newTestClient(t, replyWith(t, http.StatusBadRequest, long, nil))
	_, err := c.InvokeTool(context.Background(), ToolAgentsList, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, "Gateway error: "+strings.Repeat("x", 400), err.Error())
}

func TestInvokeTool_ErrorBodyTruncatedOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("网关", 300)
	c := newTestClient(t, replyWith(t, http.StatusBadRequest, long, nil))
	_, err := c.InvokeTool(context.Background(), ToolAgentsList, nil, time.Second)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Equal(t, "Gateway error: "+strings.Repeat("网关", 200), err.Error())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "é日", truncate("é日本", 2))
	assert.Equal(t, "", truncate("", 3))
}

func TestInvokeTool_NotConfigured(t *testing.T) {
	c := NewClient(&Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.InvokeTool(context.Background(), ToolAgentsList, nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.Equal(t, "OPENCLAW_TOKEN is not configured", err.Error())
}

func TestInvokeTool_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	_, err := c.InvokeTool(context.Background(), ToolAgentsList, nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Gateway request failed")
}

func TestListAgents(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "details envelope",
			body: `{"ok":true,"result":{"details":{"agents":[{"id":"zeta","name":"Zeta"},{"id":"alpha","configured":false}]}}}`,
		},
		{
			name: "content text envelope",
			body: `{"ok":true,"result":{"content":[{"type":"text","text":"{\"agents\":[{\"id\":\"zeta\",\"name\":\"Zeta\"},{\"id\":\"alpha\",\"configured\":false}]}"}]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got InvokeRequest
			c := newTestClient(t, replyWith(t, http.StatusOK, tt.body, &got))

			agents, err := c.ListAgents(context.Background())
			require.NoError(t, err)
			assert.Equal(t, ToolAgentsList, got.Tool)
			require.Len(t, agents, 2)
			assert.Equal(t, AgentRecord{ID: "alpha", Configured: false}, agents[0])
			assert.Equal(t, AgentRecord{ID: "zeta", Name: "Zeta", Configured: true}, agents[1])
		})
	}
}

func TestSpawnSession(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantKey    string
		wantReason string
	}{
		{
			name:    "details key",
			body:    `{"ok":true,"result":{"details":{"status":"accepted","childSessionKey":"agent:main:subagent:1","runId":"r1"}}}`,
			wantKey: "agent:main:subagent:1",
		},
		{
			name:    "content key",
			body:    `{"ok":true,"result":{"content":[{"type":"text","text":"{\"childSessionKey\":\"k2\"}"}]}}`,
			wantKey: "k2",
		},
		{
			name:    "top-level key",
			body:    `{"ok":true,"result":{"childSessionKey":"k3"}}`,
			wantKey: "k3",
		},
		{
			name:       "nested status error despite ok",
			body:       `{"ok":true,"result":{"details":{"status":"error"}}}`,
			wantReason: "sessions_spawn returned status=error",
		},
		{
			name:       "nested error field",
			body:       `{"ok":true,"result":{"content":[{"type":"text","text":"{\"status\":\"error\",\"error\":\"agent busy\"}"}]}}`,
			wantReason: "agent busy",
		},
		{
			name:       "top-level status error",
			body:       `{"ok":true,"result":{"status":"error","childSessionKey":"k4"}}`,
			wantReason: "sessions_spawn returned status=error",
		},
		{
			name:       "nested status failed",
			body:       `{"ok":true,"result":{"details":{"status":"Failed","childSessionKey":"k5"}}}`,
			wantReason: "sessions_spawn returned status=failed",
		},
		{
			name:       "missing key",
			body:       `{"ok":true,"result":{"details":{"status":"accepted"}}}`,
			wantReason: "sessions_spawn returned no childSessionKey",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got InvokeRequest
			c := newTestClient(t, replyWith(t, http.StatusOK, tt.body, &got))

			res, err := c.SpawnSession(context.Background(), SpawnRequest{AgentID: "main", Task: "do it", Label: "ticket-7"})
			assert.Equal(t, ToolSessionsSpawn, got.Tool)
			assert.Equal(t, "keep", got.Args["cleanup"])
			assert.Equal(t, "ticket-7", got.Args["label"])
			if tt.wantReason != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantReason, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, res.SessionKey)
		})
	}
}

func TestSendToSession(t *testing.T) {
	var got InvokeRequest
	c := newTestClient(t, replyWith(t, http.StatusOK, `{"ok":true,"result":{"details":{"status":"ok"}}}`, &got))

	err := c.SendToSession(context.Background(), SendRequest{SessionKey: "k1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, ToolSessionsSend, got.Tool)
	assert.Equal(t, "k1", got.Args["sessionKey"])
	assert.EqualValues(t, 90, got.Args["timeoutSeconds"])
}

func TestListSessions_AndFind(t *testing.T) {
	body := `{"ok":true,"result":{"details":{"sessions":[
		{"key":"k1","status":"idle","kind":"subagent","updatedAt":1717000000000},
		{"sessionKey":"k2","state":"done","displayName":"Worker"}
	]}}}`
	c := newTestClient(t, replyWith(t, http.StatusOK, body, nil))

	sessions, err := c.ListSessions(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "idle", sessions[0].Status)
	require.NotNil(t, sessions[0].UpdatedAt)
	assert.Equal(t, time.UnixMilli(1717000000000).UTC(), *sessions[0].UpdatedAt)
	assert.Equal(t, "Worker", sessions[1].DisplayName)

	found, err := c.FindSession(context.Background(), "k2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "done", found.Status)

	missing, err := c.FindSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindSession_FullPageMiss(t *testing.T) {
	page := func(n int) string {
		items := make([]string, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, fmt.Sprintf(`{"key":"k%d","status":"idle"}`, i))
		}
		return `{"ok":true,"result":{"details":{"sessions":[` + strings.Join(items, ",") + `]}}}`
	}

	var got InvokeRequest
	c := newTestClient(t, replyWith(t, http.StatusOK, page(sessionLookupLimit), &got))

	found, err := c.FindSession(context.Background(), "k199")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.EqualValues(t, sessionLookupLimit, got.Args["limit"])

	_, err = c.FindSession(context.Background(), "older")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionLookupTruncated)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ToolSessionsList, gwErr.Tool)
	assert.Equal(t, "session older not found in newest 200 sessions", gwErr.Error())

	c = newTestClient(t, replyWith(t, http.StatusOK, page(sessionLookupLimit-1), nil))
	missing, err := c.FindSession(context.Background(), "older")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestErrorSignal(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantReason string
		wantFailed bool
		wantStatus string
	}{
		{"accepted", `{"details":{"status":"accepted"}}`, "", false, ""},
		{"status error", `{"details":{"status":"error"}}`, "", true, "error"},
		{"status failed", `{"status":"FAILED"}`, "", true, "failed"},
		{"error text wins", `{"details":{"status":"failed","error":"quota exceeded"}}`, "quota exceeded", true, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decodeToolResult(json.RawMessage(tt.raw))
			reason, failed := res.ErrorSignal()
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantFailed, failed)
			assert.Equal(t, tt.wantStatus, res.FailedStatus())
		})
	}
}

func TestSessionHistory(t *testing.T) {
	var got InvokeRequest
	body := `{"ok":true,"result":{"details":{"messages":[{"role":"user"},{"role":"assistant"}]}}}`
	c := newTestClient(t, replyWith(t, http.StatusOK, body, &got))

	msgs, err := c.SessionHistory(context.Background(), "k1", 50, true)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, true, got.Args["includeTools"])
}

func TestCheckHealth(t *testing.T) {
	t.Run("fallback to sessions_list", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req InvokeRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Tool == ToolAgentsList {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
		})
		h := CheckHealth(context.Background(), c, time.Second)
		assert.True(t, h.OK)
		assert.Equal(t, ToolSessionsList, h.Method)
	})

	t.Run("both fail", func(t *testing.T) {
		c := newTestClient(t, replyWith(t, http.StatusServiceUnavailable, "", nil))
		h := CheckHealth(context.Background(), c, time.Second)
		assert.False(t, h.OK)
		assert.Equal(t, "unreachable", h.Gateway)
		assert.Contains(t, h.Detail, "agents_list failed: Gateway error: HTTP 503; sessions_list failed:")
	})

	t.Run("disabled", func(t *testing.T) {
		h := CheckHealth(context.Background(), NewClient(nil, nil), time.Second)
		assert.Equal(t, "disabled", h.Gateway)
	})
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 29, 16, 26, 40, 0, time.UTC)
	tests := []struct {
		name string
		in   any
	}{
		{"epoch seconds", float64(1717000000)},
		{"epoch millis", float64(1717000000000)},
		{"numeric string", "1717000000"},
		{"rfc3339 utc", "2024-05-29T16:26:40Z"},
		{"rfc3339 offset", "2024-05-29T18:26:40+02:00"},
		{"naive iso", "2024-05-29T16:26:40"},
		{"space separated", "2024-05-29 16:26:40"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			require.True(t, ok)
			assert.True(t, want.Equal(got), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, ok := ParseTimestamp("yesterday")
	assert.False(t, ok)
	_, ok = ParseTimestamp(nil)
	assert.False(t, ok)
}
