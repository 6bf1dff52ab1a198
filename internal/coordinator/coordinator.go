package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"chatclient/internal/directory"
	"chatclient/internal/metrics"
	"chatclient/internal/models"
	"chatclient/internal/presence"
	"chatclient/internal/realtime"
	"chatclient/internal/timeline"
	"chatclient/internal/typing"

	"github.com/rs/zerolog/log"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	maxNotifications       = 20
)

var ErrNoSession = errors.New("coordinator: no active session")

// Realtime 是协调器用到的实时连接接口，由 *realtime.Manager 实现。
type Realtime interface {
	Connect(sess models.Session)
	DisconnectAll()
	State() realtime.State
	SubscribeConversations(ids []int64) error
	SubscribePresence(ids []int64) error
	SetHandler(h realtime.Handler)
	OnStateChange(fn realtime.StateHandler)
}

// Sessions 由 *session.Store 实现。
type Sessions interface {
	Current() *models.Session
	Logout()
}

type Deps struct {
	Realtime  Realtime
	Sessions  Sessions
	Directory *directory.Directory
	Timeline  *timeline.Timeline
	Presence  *presence.Tracker
	Typing    *typing.Set
	Indicator *typing.Indicator
	// RefreshInterval 为 0 时使用 DefaultRefreshInterval。
	RefreshInterval time.Duration
}

// Coordinator 把实时事件分发给时间线、会话列表、在线状态与输入状态，
// 并在会话集合或连接状态变化时重新订阅主题。
type Coordinator struct {
	rt        Realtime
	sessions  Sessions
	dir       *directory.Directory
	tl        *timeline.Timeline
	pres      *presence.Tracker
	typing    *typing.Set
	indicator *typing.Indicator
	interval  time.Duration
	now       func() time.Time

	// subMu 串行化订阅调整，subscribed 是最近一次成功调整的 id 集合。
	subMu      sync.Mutex
	subscribed []int64

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	known  []int64
	notes  []Notification
	feed   chan Notification
}

func New(d Deps) *Coordinator {
	if d.RefreshInterval <= 0 {
		d.RefreshInterval = DefaultRefreshInterval
	}
	if d.Typing == nil {
		d.Typing = typing.NewSet()
	}
	return &Coordinator{
		rt:        d.Realtime,
		sessions:  d.Sessions,
		dir:       d.Directory,
		tl:        d.Timeline,
		pres:      d.Presence,
		typing:    d.Typing,
		indicator: d.Indicator,
		interval:  d.RefreshInterval,
		now:       time.Now,
		feed:      make(chan Notification, 16),
	}
}

// Start 为当前会话建立连接、加载会话列表与初始在线状态，并开始定时刷新。
// 重复调用时为空操作。
func (c *Coordinator) Start(ctx context.Context) error {
	sess := c.sessions.Current()
	if sess == nil {
		return ErrNoSession
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel = runCtx, cancel
	c.known = nil
	c.mu.Unlock()
	c.subMu.Lock()
	c.subscribed = nil
	c.subMu.Unlock()

	c.pres.SetSelf(sess.User.ID)
	c.rt.SetHandler(c.handle)
	c.rt.OnStateChange(c.onState)
	c.rt.Connect(*sess)

	if err := c.dir.List(runCtx); err != nil {
		log.Warn().Err(err).Msg("initial conversation list")
	}
	c.sync(runCtx)

	c.wg.Add(1)
	go c.refreshLoop(runCtx)
	log.Info().Int64("user_id", sess.User.ID).Dur("refresh", c.interval).Msg("coordinator started")
	return nil
}

// Stop 停止刷新与后台任务并断开实时连接，不清除本地状态。
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		// 持锁取消，之后的回调不会再登记后台任务。
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.rt.DisconnectAll()
}

// Logout 断开连接并清空全部会话相关状态。
func (c *Coordinator) Logout() {
	c.Stop()
	if c.indicator != nil {
		c.indicator.Reset()
	}
	c.tl.Clear()
	c.dir.Clear()
	c.pres.Reset()
	c.typing.Clear()
	c.sessions.Logout()

	c.mu.Lock()
	c.notes = nil
	c.known = nil
	c.mu.Unlock()
	log.Info().Msg("logged out")
}

// Select 先在会话列表中选中（负责标记已读），再加载时间线。
func (c *Coordinator) Select(ctx context.Context, conversationID int64) error {
	conv, err := c.dir.Select(ctx, conversationID)
	if err != nil {
		return err
	}
	return c.tl.Select(ctx, conv)
}

// Deselect 回到列表视图。
func (c *Coordinator) Deselect() {
	c.dir.Deselect()
	c.tl.Clear()
}

func (c *Coordinator) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.dir.Refresh(ctx); err != nil {
				continue
			}
			c.sync(ctx)
		}
	}
}

// sync 在会话集合变化时调整主题订阅并重新拉取在线状态。
func (c *Coordinator) sync(ctx context.Context) {
	ids := c.resubscribe(false)

	c.mu.Lock()
	changed := !slices.Equal(ids, c.known)
	c.known = ids
	c.mu.Unlock()

	if changed {
		if sess := c.sessions.Current(); sess != nil {
			c.pres.FetchInitial(ctx, c.dir.UserIDs(sess.User.ID))
		}
	}
}

// resubscribe 把主题订阅调整为会话列表当前的 id 集合，返回该集合。
// 在 subMu 内读取 id，保证最后一次调用使用的是最新的列表。
func (c *Coordinator) resubscribe(force bool) []int64 {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ids := c.dir.IDs()
	slices.Sort(ids)
	if !force && slices.Equal(ids, c.subscribed) {
		return ids
	}
	if c.rt.State() != realtime.Connected {
		return ids
	}
	if err := c.rt.SubscribeConversations(ids); err != nil {
		log.Warn().Err(err).Int("conversations", len(ids)).Msg("resubscribe conversations")
		return ids
	}
	if err := c.rt.SubscribePresence(ids); err != nil {
		log.Warn().Err(err).Int("conversations", len(ids)).Msg("resubscribe presence")
		return ids
	}
	c.subscribed = ids
	log.Debug().Int("conversations", len(ids)).Msg("subscriptions reconciled")
	return ids
}

func (c *Coordinator) onState(s realtime.State) {
	switch s {
	case realtime.Connected:
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		c.resubscribe(true)
	case realtime.Disconnected:
		c.subMu.Lock()
		c.subscribed = nil
		c.subMu.Unlock()
	}
}

type payloadShape struct {
	Type    string  `json:"type"`
	Typing  *bool   `json:"typing"`
	Content *string `json:"content"`
}

// handle 按主题类别与负载判别字段把事件交给唯一的处理者。
func (c *Coordinator) handle(ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindConversation:
		var p payloadShape
		if err := json.Unmarshal(ev.Body, &p); err != nil {
			c.drop(ev, "malformed", err)
			return
		}
		if strings.EqualFold(p.Type, "TYPING") || (p.Typing != nil && p.Content == nil) {
			c.handleTyping(ev)
			return
		}
		c.handleMessage(ev)
	case realtime.KindPresence:
		c.handleStatus(ev)
	case realtime.KindNotification:
		c.handleNotification(ev)
	default:
		c.drop(ev, "unknown_kind", nil)
	}
}

func (c *Coordinator) drop(ev realtime.Event, reason string, err error) {
	metrics.DroppedEventsTotal.WithLabelValues(reason).Inc()
	log.Warn().Err(err).Str("topic", ev.Topic).Str("reason", reason).Msg("drop realtime event")
}

func (c *Coordinator) selfID() int64 {
	if sess := c.sessions.Current(); sess != nil {
		return sess.User.ID
	}
	return 0
}

func (c *Coordinator) handleTyping(ev realtime.Event) {
	var t models.TypingEvent
	if err := json.Unmarshal(ev.Body, &t); err != nil {
		c.drop(ev, "malformed", err)
		return
	}
	if t.ChatRoomID == 0 {
		t.ChatRoomID = ev.ConversationID
	}
	metrics.InboundEventsTotal.WithLabelValues("typing").Inc()
	if t.UserID == c.selfID() {
		return
	}
	c.typing.Apply(t)
}

func (c *Coordinator) handleMessage(ev realtime.Event) {
	r, err := timeline.ParseRemote(ev.Body)
	if err != nil {
		c.drop(ev, "malformed", err)
		return
	}
	if r.Message.ChatRoomID == 0 {
		r.Message.ChatRoomID = ev.ConversationID
	}
	if r.Recall {
		metrics.InboundEventsTotal.WithLabelValues("recall").Inc()
		c.tl.ApplyRemote(r)
		c.dir.ApplyRecall(r.Message.ChatRoomID, r.TargetID)
		return
	}
	metrics.InboundEventsTotal.WithLabelValues("message").Inc()
	if r.Message.CreatedAt.IsZero() {
		r.Message.CreatedAt = c.now()
	}
	c.tl.ApplyRemote(r)
	c.dir.ApplyRemoteMessage(r.Message, c.dir.Active(), c.selfID())
}

func (c *Coordinator) handleStatus(ev realtime.Event) {
	var st models.StatusEvent
	if err := json.Unmarshal(ev.Body, &st); err != nil {
		c.drop(ev, "malformed", err)
		return
	}
	metrics.InboundEventsTotal.WithLabelValues("presence").Inc()
	if ev.ConversationID == 0 {
		c.pres.ApplySelfStatus(st)
		return
	}
	c.pres.ApplyStatusEvent(st)
}

func (c *Coordinator) handleNotification(ev realtime.Event) {
	var m models.MatchEvent
	if err := json.Unmarshal(ev.Body, &m); err != nil {
		c.drop(ev, "malformed", err)
		return
	}
	if !strings.EqualFold(m.Type, "MATCH") {
		metrics.InboundEventsTotal.WithLabelValues("notification").Inc()
		log.Info().Str("type", m.Type).Msg("notification")
		return
	}
	metrics.InboundEventsTotal.WithLabelValues("match").Inc()
	c.notify(Notification{
		Kind:     "match",
		Username: MatchedUsername(m),
		Content:  m.Content,
		MatchID:  int64(m.RelatedEntityID),
		At:       c.now(),
	})

	c.mu.Lock()
	ctx := c.ctx
	if ctx == nil || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	// 回调运行在连接的读协程上，网络请求放到后台。
	go func() {
		defer c.wg.Done()
		if err := c.dir.ApplyMatch(ctx, m); err != nil {
			log.Warn().Err(err).Int64("match_id", int64(m.RelatedEntityID)).Msg("apply match")
		}
		c.sync(ctx)
	}()
}

// Notification 是提示给用户的临时通知。
type Notification struct {
	Kind     string    `json:"kind"`
	Username string    `json:"username"`
	Content  string    `json:"content,omitempty"`
	MatchID  int64     `json:"matchId,omitempty"`
	At       time.Time `json:"at"`
}

func (n Notification) String() string {
	return fmt.Sprintf("You and %s have matched!", n.Username)
}

var matchedPattern = regexp.MustCompile(`You and (.+?) have matched`)

// MatchedUsername 取通知中的对方用户名：优先 matchedUsername，其次从 content 中解析。
func MatchedUsername(m models.MatchEvent) string {
	if m.MatchedUsername != "" {
		return m.MatchedUsername
	}
	if sub := matchedPattern.FindStringSubmatch(m.Content); len(sub) == 2 {
		return sub[1]
	}
	return "someone special"
}

func (c *Coordinator) notify(n Notification) {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	if len(c.notes) > maxNotifications {
		c.notes = c.notes[len(c.notes)-maxNotifications:]
	}
	c.mu.Unlock()
	select {
	case c.feed <- n:
	default:
		log.Debug().Str("kind", n.Kind).Msg("notification feed full")
	}
}

// Notifications 返回最近的通知，旧的在前。
func (c *Coordinator) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notes...)
}

// NotificationFeed 推送新通知，消费不及时的通知会被丢弃（仍可从 Notifications 读取）。
func (c *Coordinator) NotificationFeed() <-chan Notification { return c.feed }

// Typing 返回会话中正在输入的对方用户。
func (c *Coordinator) Typing(conversationID int64) []int64 {
	return c.typing.Users(conversationID)
}
