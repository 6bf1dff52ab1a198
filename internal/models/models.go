package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
)

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// UserProfile 是后端返回的用户资料。
type UserProfile struct {
	ID       int64  `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	FullName string `json:"fullName,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Merge 用 other 中的非零字段覆盖 p，对应 {...user, ...profile}。
func (p UserProfile) Merge(other UserProfile) UserProfile {
	if other.ID != 0 {
		p.ID = other.ID
	}
	if other.Email != "" {
		p.Email = other.Email
	}
	if other.Username != "" {
		p.Username = other.Username
	}
	if other.FullName != "" {
		p.FullName = other.FullName
	}
	if other.Avatar != "" {
		p.Avatar = other.Avatar
	}
	return p
}

type Session struct {
	Token      string      `json:"token"`
	User       UserProfile `json:"user"`
	RememberMe bool        `json:"rememberMe"`
}

// Message 是会话中的一条消息。ID 为空表示仍是本地乐观消息。
type Message struct {
	ID          ID          `json:"id,omitempty"`
	ClientKey   string      `json:"clientKey,omitempty"`
	ChatRoomID  int64       `json:"chatRoomId"`
	SenderID    int64       `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType,omitempty"`
	ImageURL    string      `json:"imageUrl,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	Recalled    bool        `json:"recalled"`

	IsOptimistic  bool `json:"isOptimistic,omitempty"`
	IsFromHistory bool `json:"isFromHistory,omitempty"`
	Error         bool `json:"error,omitempty"`
}

// Participant 是会话的一方。
type Participant struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type messageAlias Message

// UnmarshalJSON 容忍数字 id 与不带时区或非法的 createdAt，非法时间留为零值由调用方补齐。
func (m *Message) UnmarshalJSON(data []byte) error {
	aux := struct {
		*messageAlias
		CreatedAt json.RawMessage `json:"createdAt"`
	}{messageAlias: (*messageAlias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.CreatedAt = ParseTime(aux.CreatedAt)
	return nil
}

// Conversation 对应后端的 chat room。
type Conversation struct {
	ID           int64       `json:"id"`
	ParticipantA Participant `json:"-"`
	ParticipantB Participant `json:"-"`
	LastMessage  *Message    `json:"lastMessage"`
	UnreadCount  int         `json:"unreadCount"`
}

type conversationWire struct {
	ID          int64    `json:"id"`
	User1ID     int64    `json:"user1Id"`
	User1Name   string   `json:"user1Name,omitempty"`
	User1Avatar string   `json:"user1Avatar,omitempty"`
	User2ID     int64    `json:"user2Id"`
	User2Name   string   `json:"user2Name,omitempty"`
	User2Avatar string   `json:"user2Avatar,omitempty"`
	LastMessage *Message `json:"lastMessage"`
	UnreadCount int      `json:"unreadCount"`
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(conversationWire{
		ID:          c.ID,
		User1ID:     c.ParticipantA.ID,
		User1Name:   c.ParticipantA.Name,
		User1Avatar: c.ParticipantA.Avatar,
		User2ID:     c.ParticipantB.ID,
		User2Name:   c.ParticipantB.Name,
		User2Avatar: c.ParticipantB.Avatar,
		LastMessage: c.LastMessage,
		UnreadCount: c.UnreadCount,
	})
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var w conversationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Conversation{
		ID:           w.ID,
		ParticipantA: Participant{ID: w.User1ID, Name: w.User1Name, Avatar: w.User1Avatar},
		ParticipantB: Participant{ID: w.User2ID, Name: w.User2Name, Avatar: w.User2Avatar},
		LastMessage:  w.LastMessage,
		UnreadCount:  w.UnreadCount,
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return nil
}

// LastActivity 返回最后一条消息时间，缺失时为 Unix 纪元。
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage == nil || c.LastMessage.CreatedAt.IsZero() {
		return time.Unix(0, 0)
	}
	return c.LastMessage.CreatedAt
}

// Counterpart 返回会话中不是 selfID 的一方。
func (c Conversation) Counterpart(selfID int64) Participant {
	if c.ParticipantA.ID == selfID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Page 是分页接口 GET /chat/rooms/{id}/messages 的响应，Data 为新到旧。
type Page struct {
	Data    []Message `json:"data"`
	HasNext *bool     `json:"hasNext"`
}

// NoNext 表示服务端显式声明没有下一页。
func (p Page) NoNext() bool { return p.HasNext != nil && !*p.HasNext }

type PresenceRecord struct {
	UserID   int64      `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

// StatusEvent 是 user-status 主题推送的负载。
type StatusEvent struct {
	UserID   int64      `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

type statusAlias StatusEvent

func (e *StatusEvent) UnmarshalJSON(data []byte) error {
	aux := struct {
		*statusAlias
		LastSeen json.RawMessage `json:"lastSeen"`
	}{statusAlias: (*statusAlias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.LastSeen = nil
	if t := ParseTime(aux.LastSeen); !t.IsZero() {
		e.LastSeen = &t
	}
	return nil
}

// TypingEvent 在会话主题上推送，也是发布到 /app/chat.typing 的负载。
type TypingEvent struct {
	ChatRoomID int64 `json:"chatRoomId"`
	UserID     int64 `json:"userId,omitempty"`
	Typing     bool  `json:"typing"`
}

// MatchEvent 是个人通知主题上的匹配通知。
type MatchEvent struct {
	Type              string  `json:"type"`
	RelatedEntityType string  `json:"relatedEntityType,omitempty"`
	RelatedEntityID   FlexInt `json:"relatedEntityId,omitempty"`
	MatchedUsername   string  `json:"matchedUsername,omitempty"`
	Content           string  `json:"content,omitempty"`
}

// FlexInt 接受 JSON 数字或数字字符串。
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = FlexInt(v)
	return nil
}

// ID 是后端生成的消息 id，JSON 中可能是数字也可能是字符串。
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime 解析 JSON 中的时间字段，无法识别时返回零值。
func ParseTime(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
