package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatclient/internal/models"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidMatch = errors.New("directory: notification does not reference a match")
	ErrNotFound     = errors.New("directory: conversation not found")
)

// Backend 是会话列表用到的 REST 接口，由 *api.Client 实现。
type Backend interface {
	ListRooms(ctx context.Context) ([]models.Conversation, error)
	MarkRead(ctx context.Context, roomID int64) error
	RoomForMatch(ctx context.Context, matchID int64) (*models.Conversation, error)
}

// Directory 是按最后消息时间倒序排列的会话列表。
type Directory struct {
	backend Backend

	mu     sync.Mutex
	convs  []models.Conversation
	active int64
}

func New(backend Backend) *Directory {
	return &Directory{backend: backend}
}

// List 拉取全部会话并排序，失败时列表置空。
func (d *Directory) List(ctx context.Context) error {
	rooms, err := d.backend.ListRooms(ctx)
	if err != nil {
		d.mu.Lock()
		d.convs = nil
		d.mu.Unlock()
		log.Warn().Err(err).Msg("list conversations")
		return fmt.Errorf("list conversations: %w", err)
	}
	d.Replace(rooms)
	log.Debug().Int("count", len(rooms)).Msg("conversations fetched")
	return nil
}

// Refresh 是定时刷新：成功时替换列表，失败时保留现有列表。
func (d *Directory) Refresh(ctx context.Context) error {
	rooms, err := d.backend.ListRooms(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("refresh conversations")
		return fmt.Errorf("refresh conversations: %w", err)
	}
	d.Replace(rooms)
	return nil
}

// Replace 用 list 替换当前列表并重新排序。
func (d *Directory) Replace(list []models.Conversation) {
	convs := make([]models.Conversation, len(list))
	copy(convs, list)
	sortByActivity(convs)
	d.mu.Lock()
	d.convs = convs
	d.mu.Unlock()
}

func sortByActivity(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity().After(convs[j].LastActivity())
	})
}

// Conversations 返回列表副本。
func (d *Directory) Conversations() []models.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Conversation, len(d.convs))
	copy(out, d.convs)
	return out
}

func (d *Directory) Get(id int64) (models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(id); i >= 0 {
		return d.convs[i], true
	}
	return models.Conversation{}, false
}

// Active 返回当前会话 id，0 表示没有。
func (d *Directory) Active() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// IDs 返回全部会话 id，顺序与列表一致。
func (d *Directory) IDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, len(d.convs))
	for i, c := range d.convs {
		ids[i] = c.ID
	}
	return ids
}

// UserIDs 返回所有会话中对方的用户 id，去重且不含 selfID。
func (d *Directory) UserIDs(selfID int64) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, c := range d.convs {
		for _, p := range []models.Participant{c.ParticipantA, c.ParticipantB} {
			if p.ID == 0 || p.ID == selfID {
				continue
			}
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// ApplyRemoteMessage 用实时消息更新会话摘要与未读数，并把该会话移到最前。
// 会话不在列表中时忽略。
func (d *Directory) ApplyRemoteMessage(msg models.Message, activeID, selfID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(msg.ChatRoomID)
	if i < 0 {
		log.Warn().Int64("conversation_id", msg.ChatRoomID).Msg("message for unknown conversation")
		return false
	}
	c := d.convs[i]
	last := msg
	c.LastMessage = &last
	switch {
	case c.ID == activeID:
		c.UnreadCount = 0
	case msg.SenderID != selfID:
		c.UnreadCount++
	}
	d.moveToFrontLocked(i, c)
	return true
}

// ApplyRecall 在会话摘要中标记最后一条消息已撤回，不改变未读数和顺序。
func (d *Directory) ApplyRecall(conversationID int64, messageID models.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(conversationID)
	if i < 0 || d.convs[i].LastMessage == nil || messageID == "" || d.convs[i].LastMessage.ID != messageID {
		return false
	}
	last := *d.convs[i].LastMessage
	last.Recalled = true
	d.convs[i].LastMessage = &last
	return true
}

// ApplyMatch 处理匹配通知：按 match id 获取新会话，已存在则原地合并，否则插到最前。
// 获取失败时退回全量刷新。
func (d *Directory) ApplyMatch(ctx context.Context, ev models.MatchEvent) error {
	if !strings.EqualFold(ev.RelatedEntityType, "MATCH") || ev.RelatedEntityID <= 0 {
		log.Warn().Str("type", ev.Type).Str("related_entity_type", ev.RelatedEntityType).Msg("ignore match notification without match id")
		return ErrInvalidMatch
	}
	matchID := int64(ev.RelatedEntityID)
	conv, err := d.backend.RoomForMatch(ctx, matchID)
	if err != nil {
		log.Warn().Err(err).Int64("match_id", matchID).Msg("fetch conversation for match, falling back to full list")
		return d.List(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(conv.ID); i >= 0 {
		d.convs[i] = mergeConversation(d.convs[i], *conv)
		return nil
	}
	d.convs = append([]models.Conversation{*conv}, d.convs...)
	return nil
}

func mergeConversation(old, fresh models.Conversation) models.Conversation {
	out := old
	if fresh.ParticipantA.ID != 0 {
		out.ParticipantA = fresh.ParticipantA
	}
	if fresh.ParticipantB.ID != 0 {
		out.ParticipantB = fresh.ParticipantB
	}
	if fresh.LastMessage != nil {
		out.LastMessage = fresh.LastMessage
	}
	out.UnreadCount = fresh.UnreadCount
	return out
}

// Select 设置当前会话；有未读时先在本地清零再请求标记已读，失败不回滚。
// 返回选中时的会话，UnreadCount 已清零。
func (d *Directory) Select(ctx context.Context, id int64) (models.Conversation, error) {
	d.mu.Lock()
	i := d.indexLocked(id)
	if i < 0 {
		d.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if d.active == id {
		c := d.convs[i]
		d.mu.Unlock()
		return c, nil
	}
	d.active = id
	unread := d.convs[i].UnreadCount
	d.convs[i].UnreadCount = 0
	c := d.convs[i]
	d.mu.Unlock()

	if unread > 0 {
		if err := d.backend.MarkRead(ctx, id); err != nil {
			log.Warn().Err(err).Int64("conversation_id", id).Msg("mark conversation read")
		}
	}
	return c, nil
}

// Deselect 回到列表视图，不清空会话。
func (d *Directory) Deselect() {
	d.mu.Lock()
	d.active = 0
	d.mu.Unlock()
}

// Clear 登出时清空。
func (d *Directory) Clear() {
	d.mu.Lock()
	d.convs = nil
	d.active = 0
	d.mu.Unlock()
}

func (d *Directory) moveToFrontLocked(i int, c models.Conversation) {
	copy(d.convs[1:i+1], d.convs[:i])
	d.convs[0] = c
}

func (d *Directory) indexLocked(id int64) int {
	for i := range d.convs {
		if d.convs[i].ID == id {
			return i
		}
	}
	return -1
}
