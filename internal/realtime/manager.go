package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatclient/internal/auth"
	"chatclient/internal/metrics"
	"chatclient/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("realtime: not connected")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

type EventKind string

const (
	// KindConversation 来自会话主题：新消息、撤回、输入状态。
	KindConversation EventKind = "conversation"
	// KindPresence 来自会话或个人的在线状态主题。
	KindPresence EventKind = "presence"
	// KindNotification 来自个人通知主题：匹配等。
	KindNotification EventKind = "notification"
)

// Event 是投递给上层的入站事件，Body 保持原样，由上层解析。
type Event struct {
	Kind           EventKind
	Topic          string
	ConversationID int64
	Body           json.RawMessage
}

type Handler func(Event)

type StateHandler func(State)

type subscription struct {
	id     string
	family family
	target int64
	kind   EventKind
	topic  string
}

// Manager 维护每个会话唯一的实时连接及其主题订阅。
type Manager struct {
	url    string
	dialer Dialer
	delay  time.Duration

	// lifecycle 串行化 Connect 与 DisconnectAll，回调中不得调用这两个方法。
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	token   string
	userID  int64
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[string]*subscription // 订阅 id -> 订阅
	byTopic map[string]*subscription
	handler Handler
	onState StateHandler
}

func NewManager(wsURL string, dialer Dialer, reconnectDelay time.Duration) *Manager {
	if dialer == nil {
		dialer = WSDialer{}
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Manager{
		url:     wsURL,
		dialer:  dialer,
		delay:   reconnectDelay,
		subs:    make(map[string]*subscription),
		byTopic: make(map[string]*subscription),
	}
}

// SetHandler 注册入站事件回调。分发时读取当前注册的回调。
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) OnStateChange(fn StateHandler) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect 为会话建立连接并在断开后按固定间隔无限重连。
// 同一 token 已在连接或已连接时为空操作；换了会话则先断开旧连接。
func (m *Manager) Connect(sess models.Session) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.cancel != nil && m.token == sess.Token {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.token = sess.Token
	m.userID = sess.User.ID
	m.cancel = cancel
	m.done = done
	go m.run(ctx, sess.Token, sess.User.ID, done)
}

// DisconnectAll 退订所有主题并关闭连接，等待连接 goroutine 退出。已断开时为空操作。
func (m *Manager) DisconnectAll() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.disconnect()
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if cancel == nil {
		m.mu.Unlock()
		return
	}
	// 退订帧在解锁后写出，发送队列满时不会阻塞 State 等调用方。
	var conn Conn
	var ids []string
	if m.conn != nil && m.state == Connected {
		conn = m.conn
		for id := range m.subs {
			ids = append(ids, id)
		}
		m.subs = make(map[string]*subscription)
		m.byTopic = make(map[string]*subscription)
		metrics.RealtimeSubscriptions.Set(0)
	}
	m.cancel = nil
	m.done = nil
	m.token = ""
	m.mu.Unlock()

	if conn != nil {
		for _, id := range ids {
			if err := conn.WriteFrame(NewFrame(CmdUnsubscribe, map[string]string{"id": id}, nil)); err != nil {
				log.Debug().Err(err).Str("subscription", id).Msg("unsubscribe on disconnect")
			}
		}
		if err := conn.WriteFrame(NewFrame(CmdDisconnect, nil, nil)); err != nil {
			log.Debug().Err(err).Msg("send disconnect")
		}
	}

	cancel()
	<-done
}

// SubscribeConversations 把会话主题订阅调整为 ids，只发送差异部分。未连接时返回 ErrNotConnected。
func (m *Manager) SubscribeConversations(ids []int64) error {
	return m.reconcile(familyConversation, KindConversation, ConversationTopic, ids)
}

// SubscribePresence 把会话在线状态主题订阅调整为 ids。
func (m *Manager) SubscribePresence(ids []int64) error {
	return m.reconcile(familyPresence, KindPresence, PresenceTopic, ids)
}

// SubscribeSelf 订阅个人通知与个人在线状态主题，连接建立时自动调用。
func (m *Manager) SubscribeSelf(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}
	if userID == 0 {
		return fmt.Errorf("subscribe self: missing user id")
	}
	if err := m.subscribeLocked(familySelf, KindNotification, userID, NotificationTopic(userID)); err != nil {
		return err
	}
	return m.subscribeLocked(familySelf, KindPresence, userID, SelfStatusTopic(userID))
}

// PublishTyping 发布输入状态。未连接时只记录日志，不排队也不重试。
func (m *Manager) PublishTyping(conversationID int64, typing bool) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected || conn == nil {
		log.Warn().Int64("conversation_id", conversationID).Msg("publish typing while disconnected")
		return ErrNotConnected
	}
	body, err := json.Marshal(models.TypingEvent{ChatRoomID: conversationID, Typing: typing})
	if err != nil {
		return err
	}
	f := NewFrame(CmdSend, map[string]string{"destination": TypingDestination, "content-type": "application/json"}, body)
	if err := conn.WriteFrame(f); err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("publish typing")
		return err
	}
	return nil
}

// Topics 返回当前已订阅的主题。
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byTopic))
	for topic := range m.byTopic {
		out = append(out, topic)
	}
	return out
}

func (m *Manager) reconcile(fam family, kind EventKind, topic func(int64) string, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}

	current := make(map[int64]struct{})
	for _, sub := range m.subs {
		if sub.family == fam {
			current[sub.target] = struct{}{}
		}
	}
	add, remove := diff(current, ids)
	for _, id := range remove {
		if sub := m.byTopic[topic(id)]; sub != nil {
			m.unsubscribeLocked(sub)
		}
	}
	for _, id := range add {
		if err := m.subscribeLocked(fam, kind, id, topic(id)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) subscribeLocked(fam family, kind EventKind, target int64, topic string) error {
	if _, ok := m.byTopic[topic]; ok {
		return nil
	}
	sub := &subscription{id: uuid.NewString(), family: fam, target: target, kind: kind, topic: topic}
	f := NewFrame(CmdSubscribe, map[string]string{"id": sub.id, "destination": topic, "ack": "auto"}, nil)
	if err := m.conn.WriteFrame(f); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.subs[sub.id] = sub
	m.byTopic[topic] = sub
	metrics.RealtimeSubscriptions.Set(float64(len(m.subs)))
	log.Debug().Str("topic", topic).Str("subscription", sub.id).Msg("subscribed")
	return nil
}

func (m *Manager) unsubscribeLocked(sub *subscription) {
	delete(m.subs, sub.id)
	delete(m.byTopic, sub.topic)
	metrics.RealtimeSubscriptions.Set(float64(len(m.subs)))
	if err := m.conn.WriteFrame(NewFrame(CmdUnsubscribe, map[string]string{"id": sub.id}, nil)); err != nil {
		log.Warn().Err(err).Str("topic", sub.topic).Msg("unsubscribe")
	}
}

func (m *Manager) run(ctx context.Context, token string, userID int64, done chan struct{}) {
	defer close(done)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.RealtimeReconnectsTotal.Inc()
		}
		m.setState(Connecting, nil)
		err := m.serve(ctx, token, userID)
		m.teardown()
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Dur("retry_in", m.delay).Int("attempt", attempt+1).Msg("realtime connection lost")
		t := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve 完成一次握手并持续读帧，直到连接出错或 ctx 取消。
func (m *Manager) serve(ctx context.Context, token string, userID int64) error {
	header := http.Header{}
	header.Set("Authorization", auth.BearerHeader(token))
	conn, err := m.dialer.Dial(ctx, m.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	connect := NewFrame(CmdConnect, map[string]string{
		"accept-version": "1.2",
		"host":           hostOf(m.url),
		"heart-beat":     "0,0",
		"Authorization":  auth.BearerHeader(token),
	}, nil)
	if err := conn.WriteFrame(connect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch reply.Command {
	case CmdConnected:
	case CmdError:
		return fmt.Errorf("handshake rejected: %s", reply.Header("message"))
	default:
		return fmt.Errorf("handshake: unexpected %s frame", reply.Command)
	}

	m.setState(Connected, conn)
	if err := m.SubscribeSelf(userID); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("subscribe self")
	}
	m.notify(Connected)

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		switch f.Command {
		case CmdMessage:
			m.dispatch(f)
		case CmdError:
			return fmt.Errorf("broker error: %s", f.Header("message"))
		case CmdReceipt:
		default:
			log.Debug().Str("command", f.Command).Msg("ignore frame")
		}
	}
}

func (m *Manager) dispatch(f Frame) {
	m.mu.Lock()
	sub := m.subs[f.Header("subscription")]
	if sub == nil {
		sub = m.byTopic[f.Header("destination")]
	}
	handler := m.handler
	m.mu.Unlock()

	if sub == nil {
		metrics.DroppedEventsTotal.WithLabelValues("unknown_subscription").Inc()
		log.Debug().Str("topic", f.Header("destination")).Msg("drop message for unknown subscription")
		return
	}
	if !json.Valid(f.Body) {
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		log.Warn().Str("topic", sub.topic).Int("size", len(f.Body)).Msg("drop malformed payload")
		return
	}
	if handler == nil {
		return
	}
	ev := Event{Kind: sub.kind, Topic: sub.topic, Body: json.RawMessage(f.Body)}
	if sub.family != familySelf {
		ev.ConversationID = sub.target
	}
	handler(ev)
}

// setState 修改状态；Connected 时同时登记连接。Connected 的回调由调用方在订阅个人主题后触发。
func (m *Manager) setState(s State, conn Conn) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	if conn != nil {
		m.conn = conn
	}
	m.mu.Unlock()
	metrics.RealtimeState.Set(float64(s))
	log.Info().Str("state", s.String()).Msg("realtime state")
	if changed && s != Connected {
		m.notify(s)
	}
}

func (m *Manager) notify(s State) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// teardown 在连接结束后清空订阅表并回到 DISCONNECTED。
func (m *Manager) teardown() {
	m.mu.Lock()
	m.conn = nil
	m.subs = make(map[string]*subscription)
	m.byTopic = make(map[string]*subscription)
	changed := m.state != Disconnected
	m.state = Disconnected
	m.mu.Unlock()
	metrics.RealtimeSubscriptions.Set(0)
	metrics.RealtimeState.Set(float64(Disconnected))
	if changed {
		log.Info().Str("state", Disconnected.String()).Msg("realtime state")
		m.notify(Disconnected)
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "/"
	}
	return u.Hostname()
}
