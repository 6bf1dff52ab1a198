package profile

import (
	"context"

	"chatclient/internal/models"

	"github.com/rs/zerolog/log"
)

// Backend 由 *api.Client 实现。
type Backend interface {
	ListRooms(ctx context.Context) ([]models.Conversation, error)
	Profile(ctx context.Context, userID int64) (models.ProfileFields, error)
}

// Identity 提供当前登录用户，由 *session.Store 实现。
type Identity interface {
	Current() *models.Session
}

// Lookup 查询资料卡片。查询失败不返回错误，而是退回到只有名字的资料。
type Lookup struct {
	backend Backend
	self    Identity
}

func New(backend Backend, self Identity) *Lookup {
	return &Lookup{backend: backend, self: self}
}

// Profile 返回 userID 的资料。userID 为 0 或当前用户时直接使用会话中的资料。
// 会话列表中的对方名字优先于资料接口返回的名字。
func (l *Lookup) Profile(ctx context.Context, userID int64) models.Profile {
	if sess := l.self.Current(); sess != nil && (userID == 0 || userID == sess.User.ID) {
		return models.ProfileOf(sess.User)
	}

	name := l.nameFromRooms(ctx, userID)
	fields, err := l.backend.Profile(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("load profile")
		return models.FallbackProfile(userID, name)
	}
	return models.NormalizeProfile(userID, fields, name)
}

func (l *Lookup) nameFromRooms(ctx context.Context, userID int64) string {
	rooms, err := l.backend.ListRooms(ctx)
	if err != nil {
		log.Debug().Err(err).Int64("user_id", userID).Msg("resolve profile name from rooms")
		return ""
	}
	for _, c := range rooms {
		switch userID {
		case c.ParticipantA.ID:
			return c.ParticipantA.Name
		case c.ParticipantB.ID:
			return c.ParticipantB.Name
		}
	}
	return ""
}
