package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"clawboard/pkg/openclaw"
)

// 命令执行状态
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
	RunUnknown = "unknown"
)

const (
	DefaultPreviewLength = 600
	DefaultMaxRuns       = 25
)

// CommandRun 从会话历史还原出的一次命令执行
type CommandRun struct {
	CallID     string     `json:"callId"`
	ToolName   string     `json:"toolName"`
	Status     string     `json:"status"`
	Command    string     `json:"command"`
	Preview    string     `json:"preview"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	UpdatedAt  *time.Time `json:"updatedAt"`
}

func (r *CommandRun) sortTime() time.Time {
	switch {
	case r.UpdatedAt != nil:
		return *r.UpdatedAt
	case r.StartedAt != nil:
		return *r.StartedAt
	}
	return time.Time{}
}

var execTools = map[string]bool{
	"exec":    true,
	"process": true,
	"bash":    true,
	"shell":   true,
}

var (
	toolCallBlockTypes   = map[string]bool{"toolcall": true, "tool_use": true, "tooluse": true}
	toolResultRoles      = map[string]bool{"toolresult": true, "tool": true, "tool_result": true}
	partialTextBlockType = map[string]bool{"text": true, "partial_text": true, "partialtext": true, "output_text": true}
)

var (
	stillRunningPattern = regexp.MustCompile(`(?i)still running`)
	exitCodePattern     = regexp.MustCompile(`(?i)(?:exit(?:ed)?\s*(?:with\s*)?code|exit\s+status)[:=\s]*(-?\d+)`)
	errorPatterns       = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*error:`),
		regexp.MustCompile(`(?i)traceback \(most recent call last\)`),
		regexp.MustCompile(`(?i)\bHTTP(?:/\d(?:\.\d)?)?\s+(?:error\s+)?[45]\d\d\b`),
	}
)

// ActivityReconstructor 把会话消息流还原为命令执行列表
type ActivityReconstructor struct {
	previewLength int
	maxRuns       int
}

// NewActivityReconstructor 非正数参数使用默认值
func NewActivityReconstructor(previewLength, maxRuns int) *ActivityReconstructor {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &ActivityReconstructor{previewLength: previewLength, maxRuns: maxRuns}
}

type runState struct {
	run   CommandRun
	order int
}

type runBuilder struct {
	runs  map[string]*runState
	order []string
}

func (b *runBuilder) get(callID string) *runState {
	return b.runs[callID]
}

func (b *runBuilder) add(callID, toolName string) *runState {
	st := &runState{run: CommandRun{CallID: callID, ToolName: toolName, Status: RunUnknown}, order: len(b.order)}
	b.runs[callID] = st
	b.order = append(b.order, callID)
	return st
}

// Reconstruct 按 callId 合并调用与结果；maxRuns<=0 时使用构造时的上限
func (r *ActivityReconstructor) Reconstruct(messages []openclaw.HistoryMessage, maxRuns int) []CommandRun {
	if maxRuns <= 0 {
		maxRuns = r.maxRuns
	}
	b := &runBuilder{runs: make(map[string]*runState)}

	for i, msg := range messages {
		ts, hasTS := messageTime(msg)
		role := strings.ToLower(openclaw.StringField(msg, "role"))

		if toolResultRoles[role] {
			callID := openclaw.StringField(msg, "toolCallId", "tool_call_id", "toolUseId", "tool_use_id")
			if callID == "" {
				callID = fmt.Sprintf("msg%d-0", i)
			}
			toolName := openclaw.StringField(msg, "toolName", "tool_name", "name")
			r.applyResult(b, callID, toolName, resultText(msg["content"]), boolField(msg, "isError", "is_error"), ts, hasTS)
			continue
		}

		blocks, _ := msg["content"].([]any)
		for j, raw := range blocks {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			blockType := strings.ToLower(openclaw.StringField(block, "type"))
			switch {
			case toolCallBlockTypes[blockType]:
				name := openclaw.StringField(block, "name", "toolName")
				if !execTools[strings.ToLower(name)] {
					continue
				}
				callID := openclaw.StringField(block, "id", "toolCallId", "toolUseId")
				if callID == "" {
					callID = fmt.Sprintf("msg%d-%d", i, j)
				}
				args := block["arguments"]
				if args == nil {
					args = block["input"]
				}
				r.applyCall(b, callID, name, args, ts, hasTS)

			case blockType == "tool_result":
				callID := openclaw.StringField(block, "tool_use_id", "toolUseId", "toolCallId")
				if callID == "" {
					continue
				}
				r.applyResult(b, callID, "", resultText(block["content"]), boolField(block, "is_error", "isError"), ts, hasTS)
			}
		}
	}

	states := make([]*runState, 0, len(b.order))
	for _, id := range b.order {
		states = append(states, b.runs[id])
	}
	sort.SliceStable(states, func(i, j int) bool {
		ti, tj := states[i].run.sortTime(), states[j].run.sortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return states[i].order > states[j].order
	})
	if len(states) > maxRuns {
		states = states[:maxRuns]
	}

	runs := make([]CommandRun, 0, len(states))
	for _, st := range states {
		runs = append(runs, st.run)
	}
	return runs
}

func (r *ActivityReconstructor) applyCall(b *runBuilder, callID, toolName string, args any, ts time.Time, hasTS bool) {
	st := b.get(callID)
	if st == nil {
		st = b.add(callID, toolName)
	}
	if st.run.ToolName == "" {
		st.run.ToolName = toolName
	}
	if cmd := commandSummary(args); cmd != "" && st.run.Command == "" {
		st.run.Command = cmd
	}
	if hasTS {
		if st.run.StartedAt == nil {
			st.run.StartedAt = timePtr(ts)
		}
		bump(&st.run, ts)
	}
}

func (r *ActivityReconstructor) applyResult(b *runBuilder, callID, toolName, text string, isError bool, ts time.Time, hasTS bool) {
	st := b.get(callID)
	if st == nil {
		// 没有对应调用时，只接收白名单工具的结果
		if !execTools[strings.ToLower(toolName)] {
			return
		}
		st = b.add(callID, toolName)
		if hasTS {
			st.run.StartedAt = timePtr(ts)
		}
	}

	st.run.Status = ClassifyOutput(text, isError)
	st.run.Preview = truncateRunes(strings.TrimSpace(text), r.previewLength)
	if hasTS {
		if st.run.Status != RunRunning {
			st.run.FinishedAt = timePtr(ts)
		}
		bump(&st.run, ts)
	}
}

// ClassifyOutput 根据工具输出判断执行状态，按优先级依次检查
func ClassifyOutput(text string, isError bool) string {
	if isError {
		return RunError
	}
	if stillRunningPattern.MatchString(text) {
		return RunRunning
	}
	if m := exitCodePattern.FindStringSubmatch(text); m != nil {
		if m[1] == "0" {
			return RunSuccess
		}
		return RunError
	}
	for _, p := range errorPatterns {
		if p.MatchString(text) {
			return RunError
		}
	}
	if strings.TrimSpace(text) != "" {
		return RunSuccess
	}
	return RunUnknown
}

// commandSummary command 字段优先，其次 action+sessionId，最后是紧凑 JSON
func commandSummary(args any) string {
	switch v := args.(type) {
	case nil:
		return ""
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return commandSummary(decoded)
		}
		return strings.TrimSpace(v)
	case map[string]any:
		if len(v) == 0 {
			return ""
		}
		if cmd := openclaw.StringField(v, "command", "cmd"); cmd != "" {
			return cmd
		}
		if action := openclaw.StringField(v, "action"); action != "" {
			if sid := openclaw.StringField(v, "sessionId", "session_id"); sid != "" {
				return action + " " + sid
			}
			return action
		}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}

func resultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case map[string]any:
		return openclaw.StringField(v, "text")
	case []any:
		var parts []string
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				if s, ok := raw.(string); ok {
					parts = append(parts, s)
				}
				continue
			}
			blockType := strings.ToLower(openclaw.StringField(block, "type"))
			text, _ := block["text"].(string)
			if blockType == "text" && strings.TrimSpace(text) != "" {
				return text
			}
			if partialTextBlockType[blockType] && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}

func messageTime(msg openclaw.HistoryMessage) (time.Time, bool) {
	for _, k := range []string{"timestamp", "createdAt", "created_at", "ts", "time"} {
		if v, ok := msg[k]; ok {
			if t, ok := openclaw.ParseTimestamp(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}

func bump(run *CommandRun, ts time.Time) {
	if run.UpdatedAt == nil || ts.After(*run.UpdatedAt) {
		run.UpdatedAt = timePtr(ts)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
