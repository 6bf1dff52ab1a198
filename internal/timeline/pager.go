package timeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Pager 是滚动与可见性两类触发共用的分页入口：两次触发至少间隔 debounce，
// 恢复滚动位置期间、没有更多或正在加载时直接忽略。
type Pager struct {
	tl        *Timeline
	limiter   *rate.Limiter
	restoring *Restoration
	now       func() time.Time
}

func NewPager(tl *Timeline, debounce time.Duration, restoring *Restoration) *Pager {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Pager{
		tl:        tl,
		limiter:   rate.NewLimiter(rate.Every(debounce), 1),
		restoring: restoring,
		now:       time.Now,
	}
}

// Trigger 返回是否真正发起了请求。
func (p *Pager) Trigger(ctx context.Context, conversationID int64) (bool, error) {
	if p.restoring != nil && p.restoring.Active() {
		log.Debug().Int64("conversation_id", conversationID).Msg("skip fetch during scroll restoration")
		return false, nil
	}
	if !p.tl.CanFetchOlder(conversationID) {
		return false, nil
	}
	if !p.limiter.AllowN(p.now(), 1) {
		log.Debug().Int64("conversation_id", conversationID).Msg("skip fetch within debounce window")
		return false, nil
	}
	return true, p.tl.FetchOlder(ctx, conversationID)
}
