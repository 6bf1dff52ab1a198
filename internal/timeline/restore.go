package timeline

import (
	"sync"
	"time"
)

// DefaultRestoreWindow 是历史消息插入后抑制自动滚动与分页触发的时长。
const DefaultRestoreWindow = 100 * time.Millisecond

// HistoryListener 接收历史消息插入的两阶段信号：
// BeforePrepend 在列表变更前调用，视图层此时记录内容高度与滚动位置；
// AfterPrepend 在变更后调用，视图层按高度差修正滚动位置。
type HistoryListener interface {
	BeforePrepend(conversationID int64, count int)
	AfterPrepend(conversationID int64, count int)
}

// Restoration 跟踪正在进行的滚动位置恢复。
type Restoration struct {
	mu      sync.Mutex
	window  time.Duration
	pending bool
	until   time.Time
	now     func() time.Time
}

func NewRestoration(window time.Duration) *Restoration {
	if window <= 0 {
		window = DefaultRestoreWindow
	}
	return &Restoration{window: window, now: time.Now}
}

func (r *Restoration) BeforePrepend(conversationID int64, count int) {
	r.mu.Lock()
	r.pending = true
	r.mu.Unlock()
}

func (r *Restoration) AfterPrepend(conversationID int64, count int) {
	r.mu.Lock()
	r.pending = false
	r.until = r.now().Add(r.window)
	r.mu.Unlock()
}

// Active 表示恢复仍在进行中。
func (r *Restoration) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending || r.now().Before(r.until)
}

// SuppressAutoScroll 为 true 时视图层不得滚动到底部。
func (r *Restoration) SuppressAutoScroll() bool { return r.Active() }
