package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatclient/internal/models"

	"github.com/rs/zerolog/log"
)

// Backend 查询单个用户是否在线，由 *api.Client 实现。
type Backend interface {
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

// Tracker 保存已知用户的在线状态。每个事件整体覆盖该用户的记录。
type Tracker struct {
	backend Backend
	now     func() time.Time

	mu      sync.RWMutex
	self    int64
	records map[int64]models.PresenceRecord
}

func New(backend Backend) *Tracker {
	return &Tracker{
		backend: backend,
		now:     time.Now,
		records: make(map[int64]models.PresenceRecord),
	}
}

// SetSelf 设置当前用户，未知状态时视为在线。
func (t *Tracker) SetSelf(userID int64) {
	t.mu.Lock()
	t.self = userID
	t.mu.Unlock()
}

// ApplyStatusEvent 处理会话 user-status 主题的推送。缺少 lastSeen 时记为当前时间。
func (t *Tracker) ApplyStatusEvent(ev models.StatusEvent) {
	if ev.UserID == 0 {
		log.Warn().Str("status", string(ev.Status)).Msg("status event without user id")
		return
	}
	t.apply(ev.UserID, ev)
}

// ApplySelfStatus 处理个人状态主题的推送，总是作用于当前用户。
func (t *Tracker) ApplySelfStatus(ev models.StatusEvent) {
	t.mu.RLock()
	self := t.self
	t.mu.RUnlock()
	if self == 0 {
		return
	}
	t.apply(self, ev)
}

func (t *Tracker) apply(userID int64, ev models.StatusEvent) {
	seen := ev.LastSeen
	if seen == nil {
		now := t.now()
		seen = &now
	}
	status := models.StatusOffline
	if ev.Status == models.StatusOnline {
		status = models.StatusOnline
	}
	t.mu.Lock()
	t.records[userID] = models.PresenceRecord{UserID: userID, Status: status, LastSeen: seen}
	t.mu.Unlock()
}

// FetchInitial 依次查询当前用户与 userIDs 的在线状态，不并发。
// 查询失败时当前用户记为在线，其他用户记为离线。
func (t *Tracker) FetchInitial(ctx context.Context, userIDs []int64) {
	t.mu.RLock()
	self := t.self
	t.mu.RUnlock()

	if self != 0 {
		t.fetchOne(ctx, self, models.StatusOnline)
	}
	seen := map[int64]struct{}{self: {}}
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return
		}
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		t.fetchOne(ctx, id, models.StatusOffline)
	}
}

func (t *Tracker) fetchOne(ctx context.Context, userID int64, fallback models.Status) {
	status := fallback
	online, err := t.backend.IsOnline(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Str("fallback", string(fallback)).Msg("fetch initial status")
	} else if online {
		status = models.StatusOnline
	} else {
		status = models.StatusOffline
	}
	t.mu.Lock()
	t.records[userID] = models.PresenceRecord{UserID: userID, Status: status}
	t.mu.Unlock()
}

func (t *Tracker) IsOnline(userID int64) bool {
	return t.Status(userID).Status == models.StatusOnline
}

// Status 返回 userID 的记录；未知的当前用户为在线，其他未知用户为离线。
func (t *Tracker) Status(userID int64) models.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[userID]; ok {
		return r
	}
	if userID != 0 && userID == t.self {
		return models.PresenceRecord{UserID: userID, Status: models.StatusOnline}
	}
	return models.PresenceRecord{UserID: userID, Status: models.StatusOffline}
}

// Online 返回当前在线的用户 id，升序。
func (t *Tracker) Online() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []int64
	for id, r := range t.records {
		if r.Status == models.StatusOnline {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset 清空全部状态，登出时调用。
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.records = make(map[int64]models.PresenceRecord)
	t.self = 0
	t.mu.Unlock()
}
