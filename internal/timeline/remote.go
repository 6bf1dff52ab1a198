package timeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatclient/internal/models"
)

// Remote 是会话主题上推送的一条消息事件，新消息或撤回通知。
type Remote struct {
	Message models.Message
	// Recall 为 true 时 TargetID 指向被撤回的消息。
	Recall   bool
	TargetID models.ID
}

type idRef struct {
	MessageID models.ID `json:"messageId"`
	ID        models.ID `json:"id"`
}

type envelope struct {
	Type              string          `json:"type"`
	Action            string          `json:"action"`
	Recalled          bool            `json:"recalled"`
	ID                models.ID       `json:"id"`
	MessageID         models.ID       `json:"messageId"`
	RecalledMessageID models.ID       `json:"recalledMessageId"`
	Payload           json.RawMessage `json:"payload"`
	Data              json.RawMessage `json:"data"`
	Content           string          `json:"content"`
}

// ParseRemote 解析会话主题的负载。撤回通知可能把目标 id 放在多个字段里，
// 依次尝试 id、messageId、recalledMessageId、payload.messageId、data.messageId，
// 最后尝试把 content 当作 JSON 解析。
func ParseRemote(body []byte) (Remote, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Remote{}, fmt.Errorf("decode message event: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Remote{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" && env.MessageID != "" {
		msg.ID = env.MessageID
	}

	r := Remote{Message: msg}
	if strings.EqualFold(env.Type, "MESSAGE_RECALL") || env.Recalled || strings.EqualFold(env.Action, "RECALL") {
		r.Recall = true
		r.TargetID = recallTarget(env)
	}
	return r, nil
}

func recallTarget(env envelope) models.ID {
	for _, id := range []models.ID{env.ID, env.MessageID, env.RecalledMessageID} {
		if id != "" {
			return id
		}
	}
	for _, raw := range []json.RawMessage{env.Payload, env.Data} {
		var ref idRef
		if len(raw) > 0 && json.Unmarshal(raw, &ref) == nil && ref.MessageID != "" {
			return ref.MessageID
		}
	}
	if env.Content != "" {
		var ref idRef
		if json.Unmarshal([]byte(env.Content), &ref) == nil {
			if ref.MessageID != "" {
				return ref.MessageID
			}
			return ref.ID
		}
	}
	return ""
}
