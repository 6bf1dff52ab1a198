package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"chatclient/internal/models"
)

type LoginResult struct {
	AccessToken string             `json:"accessToken"`
	User        models.UserProfile `json:"user"`
}

// Login 调用 POST /auth/login。
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password, "loginType": "EMAIL_PASSWORD"}
	var out LoginResult
	if err := c.Do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("login response missing access token")
	}
	return &out, nil
}

// Me 用显式 token 调用 GET /profiles/me，用于登录后与恢复会话时校验 token。
func (c *Client) Me(ctx context.Context, token string) (*models.UserProfile, error) {
	var out models.UserProfile
	if err := c.do(ctx, request{method: http.MethodGet, path: "/profiles/me", token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// profilePaths 是资料接口的候选路径，不同后端版本只实现其中之一。
var profilePaths = []string{"/profiles/%d", "/users/%d", "/user/profile/%d"}

// Profile 依次尝试各资料接口，返回第一个成功的原始响应。全部失败时返回最后一个错误。
func (c *Client) Profile(ctx context.Context, userID int64) (models.ProfileFields, error) {
	var lastErr error
	for _, p := range profilePaths {
		var out models.ProfileFields
		err := c.Do(ctx, http.MethodGet, fmt.Sprintf(p, userID), nil, &out)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) ListRooms(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.Do(ctx, http.MethodGet, "/chat/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PageQuery 描述一次消息分页请求。Cursor 为空表示取最新一页。
type PageQuery struct {
	Cursor string
	Limit  int
}

// Messages 调用 GET /chat/rooms/{id}/messages；带 cursor 时以 direction=NEXT 取严格更早的消息。
func (c *Client) Messages(ctx context.Context, roomID int64, q PageQuery) (*models.Page, error) {
	v := url.Values{}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.Cursor != "" {
		v.Set("direction", "NEXT")
	}
	var out models.Page
	path := fmt.Sprintf("/chat/rooms/%d/messages?%s", roomID, v.Encode())
	if err := c.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, roomID int64) error {
	return c.Do(ctx, http.MethodPut, fmt.Sprintf("/chat/rooms/%d/messages/read", roomID), nil, nil)
}

type SendRequest struct {
	ChatRoomID  int64              `json:"chatRoomId"`
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"messageType"`
	ImageURL    *string            `json:"imageUrl"`
}

// SendMessage 调用 POST /chat/messages，返回服务端创建的消息。
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	var out models.Message
	if err := c.Do(ctx, http.MethodPost, "/chat/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Recall(ctx context.Context, messageID string) error {
	return c.Do(ctx, http.MethodPost, "/chat/messages/"+url.PathEscape(messageID)+"/recall", nil, nil)
}

func (c *Client) DeleteForMe(ctx context.Context, messageID string) error {
	return c.Do(ctx, http.MethodPost, "/chat/messages/"+url.PathEscape(messageID)+"/delete-for-me", nil, nil)
}

// UploadImage 以 multipart 字段 file 上传图片，消息由服务端广播。
func (c *Client) UploadImage(ctx context.Context, roomID int64, filename string, r io.Reader) error {
	path := fmt.Sprintf("/chat/upload-image?chatRoomId=%d", roomID)
	return c.do(ctx, request{method: http.MethodPost, path: path, form: &multipartBody{field: "file", filename: filename, r: r}}, nil)
}

func (c *Client) IsOnline(ctx context.Context, userID int64) (bool, error) {
	var online bool
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/online", userID), nil, &online); err != nil {
		return false, err
	}
	return online, nil
}

// RoomForMatch 调用 GET /matches/{id}/chat-room。
func (c *Client) RoomForMatch(ctx context.Context, matchID int64) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/matches/%d/chat-room", matchID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
