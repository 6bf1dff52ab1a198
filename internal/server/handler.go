package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatclient/internal/api"
	"chatclient/internal/coordinator"
	"chatclient/internal/directory"
	"chatclient/internal/models"
	"chatclient/internal/realtime"
	"chatclient/internal/timeline"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Coordinator 由 *coordinator.Coordinator 实现。
type Coordinator interface {
	Start(ctx context.Context) error
	Select(ctx context.Context, conversationID int64) error
	Deselect()
	Logout()
	Notifications() []coordinator.Notification
	Typing(conversationID int64) []int64
}

// Conversations 由 *directory.Directory 实现。
type Conversations interface {
	Conversations() []models.Conversation
	Active() int64
}

// Timeline 由 *timeline.Timeline 实现。
type Timeline interface {
	Snapshot() timeline.Snapshot
	Send(ctx context.Context, conversationID int64, content string, kind models.MessageType, imageURL string) error
	Recall(ctx context.Context, messageID models.ID) error
	DeleteForSelf(ctx context.Context, messageID models.ID) error
	UploadImage(ctx context.Context, conversationID int64, filename string, r io.Reader) error
}

// Pager 由 *timeline.Pager 实现。
type Pager interface {
	Trigger(ctx context.Context, conversationID int64) (bool, error)
}

// Presence 由 *presence.Tracker 实现。
type Presence interface {
	Status(userID int64) models.PresenceRecord
}

// Session 由 *session.Store 实现。
type Session interface {
	Login(ctx context.Context, email, password string, rememberMe bool) (*models.Session, error)
	Current() *models.Session
	RememberedEmail() string
	DarkMode() bool
	SetDarkMode(dark bool) error
}

// TypingIndicator 由 *typing.Indicator 实现。
type TypingIndicator interface {
	Touch(conversationID int64)
	Stop(conversationID int64)
}

// Profiles 由 *profile.Lookup 实现。
type Profiles interface {
	Profile(ctx context.Context, userID int64) models.Profile
}

// Connection 由 *realtime.Manager 实现。
type Connection interface {
	State() realtime.State
}

// Handler 把本地 API 请求转发给客户端核心组件。
type Handler struct {
	co       Coordinator
	convs    Conversations
	tl       Timeline
	pager    Pager
	presence Presence
	session  Session
	typing   TypingIndicator
	conn     Connection
	profiles Profiles
	now      func() time.Time
}

type Deps struct {
	Coordinator   Coordinator
	Conversations Conversations
	Timeline      Timeline
	Pager         Pager
	Presence      Presence
	Session       Session
	Typing        TypingIndicator
	Connection    Connection
	Profiles      Profiles
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		co:       d.Coordinator,
		convs:    d.Conversations,
		tl:       d.Timeline,
		pager:    d.Pager,
		presence: d.Presence,
		session:  d.Session,
		typing:   d.Typing,
		conn:     d.Connection,
		profiles: d.Profiles,
		now:      time.Now,
	}
}

// timelineView 是返回给视图层的时间线，附带本人消息剩余的撤回秒数。
type timelineView struct {
	timeline.Snapshot
	Recallable map[models.ID]int64 `json:"recallable"`
}

func (h *Handler) view(snap timeline.Snapshot) timelineView {
	v := timelineView{Snapshot: snap, Recallable: map[models.ID]int64{}}
	sess := h.session.Current()
	if sess == nil {
		return v
	}
	now := h.now()
	for _, m := range snap.Messages {
		if timeline.CanRecall(m, sess.User.ID, now) {
			v.Recallable[m.ID] = int64(timeline.RecallExpiresIn(m, now) / time.Second)
		}
	}
	return v
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeError 把核心组件返回的错误映射为状态码。
func writeError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	var apiErr *api.Error
	switch {
	case errors.Is(err, timeline.ErrNotConnected), errors.Is(err, realtime.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, timeline.ErrNoActiveConversation):
		status = http.StatusConflict
	case errors.Is(err, timeline.ErrNoSession):
		status = http.StatusUnauthorized
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": msg, "detail": err.Error()})
}

// RequireSession 没有登录会话时返回 401。
func (h *Handler) RequireSession(c *gin.Context) {
	if h.session.Current() == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
		return
	}
	c.Next()
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"rememberMe"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if h.session.Current() != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "already logged in"})
		return
	}
	sess, err := h.session.Login(c.Request.Context(), req.Email, req.Password, req.RememberMe)
	if err != nil {
		if api.IsStatus(err, http.StatusUnauthorized) || api.IsStatus(err, http.StatusBadRequest) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("login")
		writeError(c, err, "login failed")
		return
	}
	// 协调器的生命周期独立于本次请求，由 Logout 结束。
	if err := h.co.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		log.Error().Err(err).Msg("start coordinator")
	}
	c.JSON(http.StatusOK, gin.H{"user": sess.User, "rememberMe": sess.RememberMe})
}

func (h *Handler) GetSession(c *gin.Context) {
	sess := h.session.Current()
	if sess == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not logged in", "rememberedEmail": h.session.RememberedEmail()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":       sess.User,
		"rememberMe": sess.RememberMe,
		"connection": h.conn.State().String(),
	})
}

func (h *Handler) Logout(c *gin.Context) {
	h.co.Logout()
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetTheme(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dark": h.session.DarkMode()})
}

func (h *Handler) PutTheme(c *gin.Context) {
	var req struct {
		Dark *bool `json:"dark"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Dark == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.session.SetDarkMode(*req.Dark); err != nil {
		log.Error().Err(err).Msg("save theme")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save theme"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dark": *req.Dark})
}

func (h *Handler) Connection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.conn.State().String()})
}

func (h *Handler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversations": h.convs.Conversations(),
		"activeId":      h.convs.Active(),
	})
}

func (h *Handler) SelectConversation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.co.Select(c.Request.Context(), id); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		// 加载失败时时间线已是空列表，仍返回快照。
		log.Warn().Err(err).Int64("conversation_id", id).Msg("select conversation")
	}
	c.JSON(http.StatusOK, h.view(h.tl.Snapshot()))
}

func (h *Handler) DeselectConversation(c *gin.Context) {
	h.co.Deselect()
	c.Status(http.StatusNoContent)
}

// activeSnapshot 返回 id 对应的时间线快照，id 不是当前会话时写 409。
func (h *Handler) activeSnapshot(c *gin.Context, id int64) (timeline.Snapshot, bool) {
	snap := h.tl.Snapshot()
	if snap.ConversationID != id {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is not active"})
		return snap, false
	}
	return snap, true
}

func (h *Handler) Messages(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if snap, ok := h.activeSnapshot(c, id); ok {
		c.JSON(http.StatusOK, h.view(snap))
	}
}

func (h *Handler) FetchOlder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if _, ok := h.activeSnapshot(c, id); !ok {
		return
	}
	fetched, err := h.pager.Trigger(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "failed to fetch older messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"fetched": fetched, "timeline": h.view(h.tl.Snapshot())})
}

func (h *Handler) SendMessage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content     string             `json:"content"`
		MessageType models.MessageType `json:"messageType"`
		ImageURL    string             `json:"imageUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.MessageType == "" {
		req.MessageType = models.MessageText
	}
	if req.MessageType != models.MessageText && req.MessageType != models.MessageImage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid messageType"})
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.ImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	h.typing.Stop(id)
	if err := h.tl.Send(c.Request.Context(), id, req.Content, req.MessageType, req.ImageURL); err != nil {
		writeError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusOK, h.view(h.tl.Snapshot()))
}

// maxUpload 是图片上传的大小上限。
const maxUpload = 10 << 20

func (h *Handler) UploadImage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	if fh.Size > maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()
	if err := h.tl.UploadImage(c.Request.Context(), id, fh.Filename, f); err != nil {
		writeError(c, err, "failed to upload image")
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) SetTyping(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Typing *bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Typing == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if *req.Typing {
		h.typing.Touch(id)
	} else {
		h.typing.Stop(id)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetTyping(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	users := h.co.Typing(id)
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "users": users})
}

func (h *Handler) RecallMessage(c *gin.Context) {
	msgID := models.ID(strings.TrimSpace(c.Param("id")))
	if msgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	// 已加载的消息在本地检查撤回期限与发送者；未加载的交给服务端判定。
	if msg, ok := findMessage(h.tl.Snapshot(), msgID); ok {
		if sess := h.session.Current(); sess == nil || !timeline.CanRecall(msg, sess.User.ID, h.now()) {
			c.JSON(http.StatusConflict, gin.H{"error": "message can no longer be recalled"})
			return
		}
	}
	if err := h.tl.Recall(c.Request.Context(), msgID); err != nil {
		// 本地已标记撤回，不回滚。
		c.JSON(http.StatusAccepted, gin.H{"recalled": true, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recalled": true})
}

func findMessage(snap timeline.Snapshot, id models.ID) (models.Message, bool) {
	for _, m := range snap.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

func (h *Handler) DeleteForSelf(c *gin.Context) {
	msgID := models.ID(strings.TrimSpace(c.Param("id")))
	if msgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := h.tl.DeleteForSelf(c.Request.Context(), msgID); err != nil {
		writeError(c, err, "failed to delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetPresence(c *gin.Context) {
	id, ok := idParam(c, "userId")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.presence.Status(id))
}

// GetProfile 返回资料卡片，userId 为 me 时返回当前用户。
func (h *Handler) GetProfile(c *gin.Context) {
	var id int64
	if c.Param("userId") != "me" {
		var ok bool
		if id, ok = idParam(c, "userId"); !ok {
			return
		}
	}
	c.JSON(http.StatusOK, h.profiles.Profile(c.Request.Context(), id))
}

func (h *Handler) Notifications(c *gin.Context) {
	notes := h.co.Notifications()
	if notes == nil {
		notes = []coordinator.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}
