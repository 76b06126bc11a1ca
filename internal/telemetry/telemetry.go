package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 中文说明：
// 追加式 JSONL 遥测（每行一个事件），作为审计重建的单一事实来源。
// 事件按到达时间追加，永不修改；写入失败时静默返回，遥测不得拖垮主流程。

// Correlation 事件关联键：按 signal/position/订单号把事件串起来。
type Correlation struct {
	SignalID   int64  `json:"signal_id,omitempty"`
	PositionID int64  `json:"position_id,omitempty"`
	BotOrderID string `json:"bot_order_id,omitempty"`
	OrderIDs   []string `json:"exchange_order_ids,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	MessageID  int64  `json:"message_id,omitempty"`
}

// Event 单条遥测事件。
type Event struct {
	TS          string         `json:"ts_utc"`
	Kind        string         `json:"kind"`
	Level       string         `json:"level"`
	Subsystem   string         `json:"subsystem"`
	Message     string         `json:"message"`
	EventKey    string         `json:"event_key"`
	Correlation Correlation    `json:"correlation"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Sink 并发安全的追加写入器。
type Sink struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Sink{path: path, now: time.Now}, nil
}

// Emit 追加一条事件；遥测永不抛错（尽力而为）。
func (s *Sink) Emit(kind, level, subsystem, message string, corr Correlation, payload map[string]any) {
	if s == nil {
		return
	}
	evt := Event{
		TS:          s.now().UTC().Format(time.RFC3339Nano),
		Kind:        kind,
		Level:       strings.ToUpper(level),
		Subsystem:   subsystem,
		Message:     message,
		Correlation: corr,
		Payload:     Redact(payload),
	}
	evt.EventKey = eventKey(evt)

	line, err := json.Marshal(evt)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// eventKey 确定性事件键，供下游去重。
func eventKey(e Event) string {
	material, _ := json.Marshal(map[string]any{
		"kind":        e.Kind,
		"subsystem":   e.Subsystem,
		"message":     e.Message,
		"correlation": e.Correlation,
	})
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

var redactKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"secret_key":    true,
	"signature":     true,
	"x-bx-apikey":   true,
	"authorization": true,
	"auth":          true,
	"token":         true,
	"bot_token":     true,
	"password":      true,
}

// Redact 递归脱敏，不修改入参。
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := payload[k]
		if redactKeys[strings.ToLower(k)] {
			out[k] = redactValue(v)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func redactValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return "***"
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-2:]
}
