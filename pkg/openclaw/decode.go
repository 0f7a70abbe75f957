package openclaw

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToolResult 网关工具结果的统一视图。
// 网关会把同一字段放在 result.details、首个可解析的文本内容块或 result 顶层，
// 这里按 details → 内容块 JSON → 顶层 的顺序查找。
type ToolResult struct {
	Details map[string]any
	Payload map[string]any
	Top     map[string]any
	Content []ContentBlock
	// List 在 result 本身是数组时保存它
	List []any
}

func decodeToolResult(raw json.RawMessage) *ToolResult {
	r := &ToolResult{}
	if len(raw) == 0 {
		return r
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return r
	}
	switch t := v.(type) {
	case []any:
		r.List = t
		return r
	case map[string]any:
		r.Top = t
	default:
		return r
	}

	if d, ok := r.Top["details"].(map[string]any); ok {
		r.Details = d
	}
	if blocks, ok := r.Top["content"].([]any); ok {
		for _, b := range blocks {
			m, ok := b.(map[string]any)
			if !ok {
				continue
			}
			block := ContentBlock{}
			block.Type, _ = m["type"].(string)
			block.Text, _ = m["text"].(string)
			r.Content = append(r.Content, block)
			if r.Payload != nil || block.Text == "" {
				continue
			}
			var parsed map[string]any
			if err := json.Unmarshal([]byte(block.Text), &parsed); err == nil {
				r.Payload = parsed
			}
		}
	}
	return r
}

func (r *ToolResult) layers() []map[string]any {
	return []map[string]any{r.Details, r.Payload, r.Top}
}

// Value 返回第一个包含该字段的层中的值
func (r *ToolResult) Value(key string) (any, bool) {
	for _, layer := range r.layers() {
		if layer == nil {
			continue
		}
		if v, ok := layer[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// String 返回第一个非空的字符串字段
func (r *ToolResult) String(keys ...string) string {
	for _, layer := range r.layers() {
		if layer == nil {
			continue
		}
		for _, key := range keys {
			if s := stringValue(layer[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

// Items 返回指定字段下的数组，result 本身为数组时直接返回
func (r *ToolResult) Items(key string) []any {
	for _, layer := range r.layers() {
		if layer == nil {
			continue
		}
		if items, ok := layer[key].([]any); ok {
			return items
		}
	}
	return r.List
}

// ErrorSignal 汇总所有层的 status 与 error 字段。
// ok=true 的响应仍可能在嵌套结果中携带 status=error 或 status=failed。
func (r *ToolResult) ErrorSignal() (reason string, failed bool) {
	statusErr := false
	for _, layer := range r.layers() {
		if layer == nil {
			continue
		}
		if text := errorText(layer["error"]); text != "" {
			return text, true
		}
		if failedStatus(stringValue(layer["status"])) != "" {
			statusErr = true
		}
	}
	return "", statusErr
}

// FailedStatus 第一个表示失败的 status 值，小写；没有时为空
func (r *ToolResult) FailedStatus() string {
	for _, layer := range r.layers() {
		if layer == nil {
			continue
		}
		if st := failedStatus(stringValue(layer["status"])); st != "" {
			return st
		}
	}
	return ""
}

func failedStatus(status string) string {
	switch st := strings.ToLower(strings.TrimSpace(status)); st {
	case "error", "failed":
		return st
	}
	return ""
}

func errorText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "true"
		}
		return ""
	case map[string]any:
		if msg := stringValue(t["message"]); msg != "" {
			return msg
		}
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// StringField 依次查找 keys，返回第一个非空的字符串或数字字段
func StringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// ParseTimestamp 解析网关时间戳：秒/毫秒级数字、数字字符串或 ISO 风格字符串，统一为 UTC
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return fromEpoch(t)
	case int64:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// 大于 1e11 视为毫秒
func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 {
		return time.Time{}, false
	}
	if f > 1e11 {
		ms := int64(f)
		return time.UnixMilli(ms).UTC(), true
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}
