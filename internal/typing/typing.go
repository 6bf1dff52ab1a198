package typing

import (
	"sort"
	"sync"
	"time"

	"chatclient/internal/models"

	"github.com/rs/zerolog/log"
)

// IdleTimeout 是本端停止输入后自动发送 typing=false 的时长。
const IdleTimeout = 2 * time.Second

// Set 记录每个会话中正在输入的用户。状态完全由服务端事件决定，本地不做超时。
type Set struct {
	mu    sync.RWMutex
	users map[int64]map[int64]struct{}
}

func NewSet() *Set {
	return &Set{users: make(map[int64]map[int64]struct{})}
}

// Apply 应用一条 typing 事件，返回集合是否变化。
func (s *Set) Apply(ev models.TypingEvent) bool {
	if ev.ChatRoomID == 0 || ev.UserID == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.users[ev.ChatRoomID]
	_, present := set[ev.UserID]
	if ev.Typing {
		if present {
			return false
		}
		if set == nil {
			set = make(map[int64]struct{})
			s.users[ev.ChatRoomID] = set
		}
		set[ev.UserID] = struct{}{}
		return true
	}
	if !present {
		return false
	}
	delete(set, ev.UserID)
	if len(set) == 0 {
		delete(s.users, ev.ChatRoomID)
	}
	return true
}

// Users 返回会话中正在输入的用户 id，升序。
func (s *Set) Users(conversationID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.users[conversationID]))
	for id := range s.users[conversationID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Set) Clear() {
	s.mu.Lock()
	s.users = make(map[int64]map[int64]struct{})
	s.mu.Unlock()
}

// Publisher 发布本端的输入状态，由 *realtime.Manager 实现。
type Publisher interface {
	PublishTyping(conversationID int64, typing bool) error
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Indicator 管理本端发出的输入状态：首次 Touch 发送 typing=true，
// 最后一次 Touch 之后 idle 时长内没有新输入则发送 typing=false。
type Indicator struct {
	pub  Publisher
	idle time.Duration

	mu     sync.Mutex
	gen    uint64
	active map[int64]pending
}

func NewIndicator(pub Publisher, idle time.Duration) *Indicator {
	if idle <= 0 {
		idle = IdleTimeout
	}
	return &Indicator{pub: pub, idle: idle, active: make(map[int64]pending)}
}

// Touch 记录一次输入。
func (in *Indicator) Touch(conversationID int64) {
	in.mu.Lock()
	in.gen++
	gen := in.gen
	p, typing := in.active[conversationID]
	if typing {
		p.timer.Stop()
	}
	in.active[conversationID] = pending{
		gen:   gen,
		timer: time.AfterFunc(in.idle, func() { in.expire(conversationID, gen) }),
	}
	in.mu.Unlock()

	if !typing {
		in.publish(conversationID, true)
	}
}

func (in *Indicator) expire(conversationID int64, gen uint64) {
	in.mu.Lock()
	p, ok := in.active[conversationID]
	if !ok || p.gen != gen {
		in.mu.Unlock()
		return
	}
	delete(in.active, conversationID)
	in.mu.Unlock()
	in.publish(conversationID, false)
}

// Stop 立即结束输入状态，发送消息时调用。
func (in *Indicator) Stop(conversationID int64) {
	in.mu.Lock()
	p, ok := in.active[conversationID]
	if ok {
		p.timer.Stop()
		delete(in.active, conversationID)
	}
	in.mu.Unlock()
	if ok {
		in.publish(conversationID, false)
	}
}

// Typing 报告本端在该会话是否处于输入状态。
func (in *Indicator) Typing(conversationID int64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.active[conversationID]
	return ok
}

// Reset 丢弃所有计时器，不发送任何事件，登出时调用。
func (in *Indicator) Reset() {
	in.mu.Lock()
	for id, p := range in.active {
		p.timer.Stop()
		delete(in.active, id)
	}
	in.mu.Unlock()
}

func (in *Indicator) publish(conversationID int64, typing bool) {
	if err := in.pub.PublishTyping(conversationID, typing); err != nil {
		log.Debug().Err(err).Int64("conversation_id", conversationID).Bool("typing", typing).Msg("publish typing")
	}
}
