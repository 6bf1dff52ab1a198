package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"chatclient/internal/api"
	"chatclient/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInitialPageSize = 20
	DefaultHistoryPageSize = 50
	// RecallWindow 是消息发出后允许撤回的时长。
	RecallWindow = 30 * time.Minute
)

var (
	ErrNoActiveConversation = errors.New("timeline: conversation is not active")
	ErrNotConnected         = errors.New("timeline: realtime connection is not active")
	ErrNoSession            = errors.New("timeline: no current user")
	ErrMissingID            = errors.New("timeline: server response missing message id")
)

// ScrollHint 告诉视图层最近一次列表变化的来源，用于决定是否滚动到底部。
type ScrollHint string

const (
	HintNone     ScrollHint = "none"
	HintSwitch   ScrollHint = "switch"
	HintRemote   ScrollHint = "remote_received"
	HintUserSent ScrollHint = "user_sent"
	HintHistory  ScrollHint = "history"
)

// Backend 是时间线用到的 REST 接口，由 *api.Client 实现。
type Backend interface {
	Messages(ctx context.Context, roomID int64, q api.PageQuery) (*models.Page, error)
	MarkRead(ctx context.Context, roomID int64) error
	SendMessage(ctx context.Context, req api.SendRequest) (*models.Message, error)
	Recall(ctx context.Context, messageID string) error
	DeleteForMe(ctx context.Context, messageID string) error
	UploadImage(ctx context.Context, roomID int64, filename string, r io.Reader) error
}

// Identity 提供当前登录用户，由 *session.Store 实现。
type Identity interface {
	Current() *models.Session
}

type Options struct {
	InitialPageSize int
	HistoryPageSize int
	// Connected 报告实时连接是否可用，发送消息前检查。
	Connected func() bool
}

// Snapshot 是时间线的只读副本。
type Snapshot struct {
	ConversationID int64            `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
	HasMore        bool             `json:"hasMore"`
	IsLoading      bool             `json:"isLoading"`
	ScrollHint     ScrollHint       `json:"scrollHint"`
	LastPrepended  int              `json:"lastPrepended"`
}

// Timeline 持有当前会话的有序消息列表：下标 0 最旧，末尾最新。
type Timeline struct {
	backend     Backend
	self        Identity
	connected   func() bool
	initialSize int
	pageSize    int
	now         func() time.Time

	mu        sync.Mutex
	active    int64
	gen       uint64
	messages  []models.Message
	hasMore   bool
	loading   bool
	seq       uint64
	hint      ScrollHint
	prepended int
	listeners []HistoryListener
}

func New(backend Backend, self Identity, opts Options) *Timeline {
	t := &Timeline{
		backend:     backend,
		self:        self,
		connected:   opts.Connected,
		initialSize: opts.InitialPageSize,
		pageSize:    opts.HistoryPageSize,
		now:         time.Now,
		hint:        HintNone,
	}
	if t.initialSize <= 0 {
		t.initialSize = DefaultInitialPageSize
	}
	if t.pageSize <= 0 {
		t.pageSize = DefaultHistoryPageSize
	}
	if t.connected == nil {
		t.connected = func() bool { return true }
	}
	return t
}

// AddHistoryListener 注册历史插入信号的接收者。
func (t *Timeline) AddHistoryListener(l HistoryListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

func (t *Timeline) Active() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Timeline) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return Snapshot{
		ConversationID: t.active,
		Messages:       out,
		HasMore:        t.hasMore,
		IsLoading:      t.loading,
		ScrollHint:     t.hint,
		LastPrepended:  t.prepended,
	}
}

// Select 切换到 conv 并加载最新一页。已是当前会话时为空操作。
// 加载失败时列表为空且 hasMore=false，错误记录日志后返回。
func (t *Timeline) Select(ctx context.Context, conv models.Conversation) error {
	t.mu.Lock()
	if t.active == conv.ID {
		t.mu.Unlock()
		return nil
	}
	t.active = conv.ID
	t.gen++
	gen := t.gen
	t.messages = nil
	t.hasMore = true
	t.loading = true
	t.hint = HintSwitch
	t.prepended = 0
	t.mu.Unlock()

	page, err := t.backend.Messages(ctx, conv.ID, api.PageQuery{Limit: t.initialSize})

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		log.Debug().Int64("conversation_id", conv.ID).Msg("discard stale initial page")
		return nil
	}
	t.loading = false
	if err != nil {
		t.messages = nil
		t.hasMore = false
		t.mu.Unlock()
		log.Warn().Err(err).Int64("conversation_id", conv.ID).Msg("load conversation messages")
		return fmt.Errorf("load messages: %w", err)
	}

	// 加载期间到达的实时消息保留在页之后，按 id 去重。
	arrived := t.messages
	loaded := chronological(page.Data)
	seen := idSet(loaded)
	for _, m := range arrived {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
		}
		loaded = append(loaded, m)
	}
	t.messages = loaded
	t.hasMore = len(page.Data) >= t.initialSize && !page.NoNext()
	t.mu.Unlock()

	if conv.UnreadCount > 0 {
		if err := t.backend.MarkRead(ctx, conv.ID); err != nil {
			log.Warn().Err(err).Int64("conversation_id", conv.ID).Msg("mark conversation read")
		}
	}
	return nil
}

// Clear 退出当前会话，登出时调用。
func (t *Timeline) Clear() {
	t.mu.Lock()
	t.active = 0
	t.gen++
	t.messages = nil
	t.hasMore = false
	t.loading = false
	t.hint = HintNone
	t.prepended = 0
	t.mu.Unlock()
}

// CanFetchOlder 报告此时向前翻页是否会发起请求。
func (t *Timeline) CanFetchOlder(conversationID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cursorLocked(conversationID)
	return ok
}

func (t *Timeline) cursorLocked(conversationID int64) (models.ID, bool) {
	if t.active == 0 || conversationID != t.active || !t.hasMore || t.loading || len(t.messages) == 0 {
		return "", false
	}
	oldest := t.messages[0].ID
	return oldest, oldest != ""
}

// FetchOlder 以最旧消息的 id 为游标加载更早的一页并插到列表前部。
// 没有更多、正在加载或列表为空时为空操作；失败时 hasMore 不变，可重试。
func (t *Timeline) FetchOlder(ctx context.Context, conversationID int64) error {
	t.mu.Lock()
	cursor, ok := t.cursorLocked(conversationID)
	if !ok {
		t.mu.Unlock()
		return nil
	}
	t.loading = true
	gen := t.gen
	t.mu.Unlock()

	page, err := t.backend.Messages(ctx, conversationID, api.PageQuery{Cursor: cursor.String(), Limit: t.pageSize})

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		log.Debug().Int64("conversation_id", conversationID).Msg("discard stale history page")
		return nil
	}
	if err != nil {
		t.loading = false
		t.mu.Unlock()
		log.Warn().Err(err).Int64("conversation_id", conversationID).Str("cursor", cursor.String()).Msg("fetch older messages")
		return fmt.Errorf("fetch older messages: %w", err)
	}
	if len(page.Data) == 0 {
		t.loading = false
		t.hasMore = false
		t.mu.Unlock()
		return nil
	}

	older := chronological(page.Data)
	existing := idSet(t.messages)
	unique := older[:0]
	for _, m := range older {
		if m.ID != "" {
			if _, dup := existing[m.ID]; dup {
				continue
			}
			existing[m.ID] = struct{}{}
		}
		m.IsFromHistory = true
		unique = append(unique, m)
	}
	hasMore := len(page.Data) >= t.pageSize && !page.NoNext()
	listeners := append([]HistoryListener(nil), t.listeners...)
	if len(unique) == 0 {
		t.loading = false
		t.hasMore = hasMore
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l.BeforePrepend(conversationID, len(unique))
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		// 已切换会话，结束本次恢复但不插入。
		for _, l := range listeners {
			l.AfterPrepend(conversationID, 0)
		}
		return nil
	}
	t.messages = append(unique, t.messages...)
	t.hasMore = hasMore
	t.loading = false
	t.hint = HintHistory
	t.prepended = len(unique)
	t.mu.Unlock()

	for _, l := range listeners {
		l.AfterPrepend(conversationID, len(unique))
	}
	return nil
}

// ApplyRemote 应用会话主题推送的事件，返回列表是否变化。
// 非当前会话与自己发出的新消息被忽略，自己的消息由发送路径对账。
func (t *Timeline) ApplyRemote(r Remote) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := r.Message
	if t.active == 0 || msg.ChatRoomID != t.active {
		return false
	}

	if r.Recall {
		if r.TargetID == "" {
			log.Warn().Int64("conversation_id", msg.ChatRoomID).Msg("recall notification without message id")
			return false
		}
		if !t.markRecalledLocked(r.TargetID) {
			log.Warn().Str("message_id", r.TargetID.String()).Msg("recall target not loaded")
			return false
		}
		return true
	}

	if self := t.self.Current(); self != nil && msg.SenderID == self.User.ID {
		return false
	}
	if msg.ID == "" {
		msg.ID = models.ID("ws_" + uuid.NewString())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.now()
	}
	if t.indexLocked(msg.ID) >= 0 {
		return false
	}
	msg.IsOptimistic = false
	msg.IsFromHistory = false
	msg.Error = false
	msg.ClientKey = ""

	t.insertLocked(msg)
	t.hint = HintRemote
	return true
}

// insertLocked 从尾部向前找到第一个不晚于 msg 的位置插入，正常情况下就是追加。
// 插入位置不早于下标 1，保证分页游标仍是已加载的最旧消息。
func (t *Timeline) insertLocked(msg models.Message) {
	t.insertAboveLocked(msg, 1)
}

// insertAboveLocked 同 insertLocked，但插入位置不早于 floor。
func (t *Timeline) insertAboveLocked(msg models.Message, floor int) {
	i := len(t.messages)
	for i > floor && t.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
}

// Send 先追加乐观消息再请求服务端，成功后把响应合并进同一条目。
// 失败或响应缺少 id 时该条目标记 error，不会自动重试。
func (t *Timeline) Send(ctx context.Context, conversationID int64, content string, kind models.MessageType, imageURL string) error {
	if !t.connected() {
		log.Warn().Int64("conversation_id", conversationID).Msg("send while realtime disconnected")
		return ErrNotConnected
	}
	self := t.self.Current()
	if self == nil {
		return ErrNoSession
	}
	if kind == "" {
		kind = models.MessageText
	}

	t.mu.Lock()
	if t.active == 0 || conversationID != t.active {
		t.mu.Unlock()
		return ErrNoActiveConversation
	}
	t.seq++
	now := t.now()
	key := clientKey(content, self.User.ID, now, t.seq)
	t.messages = append(t.messages, models.Message{
		ClientKey:    key,
		ChatRoomID:   conversationID,
		SenderID:     self.User.ID,
		SenderName:   self.User.FullName,
		Content:      content,
		MessageType:  kind,
		ImageURL:     imageURL,
		CreatedAt:    now,
		IsOptimistic: true,
	})
	t.hint = HintUserSent
	gen := t.gen
	t.mu.Unlock()

	req := api.SendRequest{ChatRoomID: conversationID, Content: content, MessageType: kind}
	if imageURL != "" {
		req.ImageURL = &imageURL
	}
	resp, err := t.backend.SendMessage(ctx, req)
	if err == nil && (resp == nil || resp.ID == "") {
		err = ErrMissingID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		if err != nil {
			log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("send message")
		}
		return err
	}
	idx := t.optimisticLocked(key, content, self.User.ID)
	if err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("send message")
		if idx >= 0 {
			t.messages[idx].IsOptimistic = false
			t.messages[idx].Error = true
		}
		return err
	}
	if idx < 0 {
		return nil
	}
	if dup := t.indexLocked(resp.ID); dup >= 0 {
		// 服务端消息已在列表中，丢弃乐观条目。
		t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
		return nil
	}
	// 合并后 createdAt 取服务端时间，条目按新时间重新归位。
	// 本身就是游标时允许留在下标 0。
	merged := merge(t.messages[idx], *resp)
	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	t.insertAboveLocked(merged, min(idx, 1))
	return nil
}

// optimisticLocked 先按 clientKey 精确匹配，找不到时取内容与发送者相同的最早一条乐观消息。
func (t *Timeline) optimisticLocked(key, content string, senderID int64) int {
	fallback := -1
	for i, m := range t.messages {
		if !m.IsOptimistic {
			continue
		}
		if m.ClientKey == key {
			return i
		}
		if fallback < 0 && m.Content == content && m.SenderID == senderID {
			fallback = i
		}
	}
	return fallback
}

func merge(local, server models.Message) models.Message {
	out := local
	out.ID = server.ID
	out.IsOptimistic = false
	out.Error = false
	if !server.CreatedAt.IsZero() {
		out.CreatedAt = server.CreatedAt
	}
	if server.SenderName != "" {
		out.SenderName = server.SenderName
	}
	if server.MessageType != "" {
		out.MessageType = server.MessageType
	}
	if server.ImageURL != "" {
		out.ImageURL = server.ImageURL
	}
	if server.Content != "" {
		out.Content = server.Content
	}
	out.Recalled = local.Recalled || server.Recalled
	return out
}

// Recall 立即在本地标记撤回再通知服务端；服务端失败只记录日志，不回滚。
func (t *Timeline) Recall(ctx context.Context, messageID models.ID) error {
	t.mu.Lock()
	t.markRecalledLocked(messageID)
	t.mu.Unlock()

	if err := t.backend.Recall(ctx, messageID.String()); err != nil {
		log.Warn().Err(err).Str("message_id", messageID.String()).Msg("recall message")
		return err
	}
	return nil
}

// DeleteForSelf 服务端确认后才从本地列表移除；失败时消息保持可见。
func (t *Timeline) DeleteForSelf(ctx context.Context, messageID models.ID) error {
	if err := t.backend.DeleteForMe(ctx, messageID.String()); err != nil {
		log.Warn().Err(err).Str("message_id", messageID.String()).Msg("delete message for self")
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexLocked(messageID); i >= 0 {
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
	}
	return nil
}

// UploadImage 上传图片，消息本身由服务端经实时主题广播。
func (t *Timeline) UploadImage(ctx context.Context, conversationID int64, filename string, r io.Reader) error {
	t.mu.Lock()
	t.hint = HintUserSent
	t.mu.Unlock()
	if err := t.backend.UploadImage(ctx, conversationID, filename, r); err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Str("filename", filename).Msg("upload image")
		return err
	}
	return nil
}

// CanRecall 判断 selfID 是否还能撤回 msg。
func CanRecall(msg models.Message, selfID int64, now time.Time) bool {
	if msg.ID == "" || msg.IsOptimistic || msg.Recalled || msg.SenderID != selfID || msg.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(msg.CreatedAt) <= RecallWindow
}

// RecallExpiresIn 返回距离撤回期限的剩余时间，已过期为 0。
func RecallExpiresIn(msg models.Message, now time.Time) time.Duration {
	if msg.CreatedAt.IsZero() {
		return 0
	}
	left := msg.CreatedAt.Add(RecallWindow).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (t *Timeline) markRecalledLocked(id models.ID) bool {
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.messages[i].Recalled = true
	return true
}

func (t *Timeline) indexLocked(id models.ID) int {
	if id == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// chronological 把服务端新到旧的页反转为旧到新。
func chronological(page []models.Message) []models.Message {
	out := make([]models.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}

func idSet(msgs []models.Message) map[models.ID]struct{} {
	set := make(map[models.ID]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			set[m.ID] = struct{}{}
		}
	}
	return set
}

func clientKey(content string, senderID int64, at time.Time, seq uint64) string {
	return content + "|" + strconv.FormatInt(senderID, 10) + "|" + strconv.FormatInt(at.UnixNano(), 10) + "|" + strconv.FormatUint(seq, 10)
}
