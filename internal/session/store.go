package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"chatclient/internal/api"
	"chatclient/internal/auth"
	"chatclient/internal/models"
	"chatclient/internal/storage"

	"github.com/rs/zerolog/log"
)

// 持久化使用的键。theme 不随登出清除。
const (
	KeyToken      = "authToken"
	KeyUser       = "userData"
	KeyRememberMe = "rememberMe"
	KeyEmail      = "rememberedEmail"
	KeyTheme      = "theme"
)

var ErrNoSession = errors.New("no session")

// Backend 是会话需要的后端能力，由 *api.Client 实现。
type Backend interface {
	Login(ctx context.Context, email, password string) (*api.LoginResult, error)
	Me(ctx context.Context, token string) (*models.UserProfile, error)
}

// Store 持有当前会话，并负责凭据的持久化与恢复。
type Store struct {
	mu      sync.RWMutex
	current *models.Session

	kv      storage.KV
	backend Backend
	now     func() time.Time
}

func NewStore(kv storage.KV, backend Backend) *Store {
	return &Store{kv: kv, backend: backend, now: time.Now}
}

// Login 登录并拉取完整资料；只有 rememberMe 时才写入持久化存储。
func (s *Store) Login(ctx context.Context, email, password string, rememberMe bool) (*models.Session, error) {
	res, err := s.backend.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	user := res.User
	if profile, err := s.backend.Me(ctx, res.AccessToken); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("fetch profile after login")
	} else {
		user = user.Merge(*profile)
	}

	sess := &models.Session{Token: res.AccessToken, User: user, RememberMe: rememberMe}
	if rememberMe {
		if err := s.persist(sess, email); err != nil {
			log.Warn().Err(err).Msg("persist session")
		}
	} else {
		s.clearCredentials()
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	log.Info().Int64("user_id", user.ID).Bool("remember_me", rememberMe).Msg("logged in")
	return copySession(sess), nil
}

// Restore 用本地保存的 token 恢复会话，token 过期或校验失败时清除存储。
func (s *Store) Restore(ctx context.Context) (*models.Session, error) {
	token, okToken, err := s.kv.Get(KeyToken)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	rawUser, okUser, err := s.kv.Get(KeyUser)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	remember, okRemember, err := s.kv.Get(KeyRememberMe)
	if err != nil {
		return nil, fmt.Errorf("load remember flag: %w", err)
	}
	if !okToken || !okUser || !okRemember || token == "" {
		return nil, ErrNoSession
	}
	if on, _ := strconv.ParseBool(remember); !on {
		return nil, ErrNoSession
	}

	var user models.UserProfile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		log.Warn().Err(err).Msg("stored user is malformed")
		s.clearCredentials()
		return nil, ErrNoSession
	}
	if auth.Expired(token, s.now()) {
		log.Info().Int64("user_id", user.ID).Msg("stored token expired")
		s.clearCredentials()
		return nil, ErrNoSession
	}

	profile, err := s.backend.Me(ctx, token)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("stored token rejected")
		s.clearCredentials()
		return nil, ErrNoSession
	}

	sess := &models.Session{Token: token, User: user.Merge(*profile), RememberMe: true}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	log.Info().Int64("user_id", sess.User.ID).Msg("session restored")
	return copySession(sess), nil
}

// Logout 清除内存中的会话和已保存的凭据。
func (s *Store) Logout() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.clearCredentials()
}

// Current 返回当前会话的副本，没有会话时返回 nil。
func (s *Store) Current() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return copySession(s.current)
}

// Token 实现 api.TokenSource。
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// RememberedEmail 返回上次勾选记住我时使用的邮箱。
func (s *Store) RememberedEmail() string {
	v, _, err := s.kv.Get(KeyEmail)
	if err != nil {
		log.Warn().Err(err).Msg("load remembered email")
	}
	return v
}

func (s *Store) DarkMode() bool {
	v, ok, err := s.kv.Get(KeyTheme)
	if err != nil {
		log.Warn().Err(err).Msg("load theme")
		return false
	}
	return ok && v == "dark"
}

func (s *Store) SetDarkMode(dark bool) error {
	v := "light"
	if dark {
		v = "dark"
	}
	return s.kv.Set(KeyTheme, v)
}

func (s *Store) persist(sess *models.Session, email string) error {
	b, err := json.Marshal(sess.User)
	if err != nil {
		return err
	}
	if err := s.kv.Set(KeyToken, sess.Token); err != nil {
		return err
	}
	if err := s.kv.Set(KeyUser, string(b)); err != nil {
		return err
	}
	if err := s.kv.Set(KeyRememberMe, "true"); err != nil {
		return err
	}
	return s.kv.Set(KeyEmail, email)
}

func (s *Store) clearCredentials() {
	if err := s.kv.Delete(KeyToken, KeyUser, KeyRememberMe, KeyEmail); err != nil {
		log.Warn().Err(err).Msg("clear stored credentials")
	}
}

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}
