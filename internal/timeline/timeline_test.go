package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"chatclient/internal/api"
	"chatclient/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = int64(1)

type fakeIdentity struct{}

func (fakeIdentity) Current() *models.Session {
	return &models.Session{Token: "t", User: models.UserProfile{ID: selfID, FullName: "Me"}}
}

type fakeBackend struct {
	mu sync.Mutex

	// pages 以 cursor 为键，"" 是最新一页。
	pages    map[string]*models.Page
	pageErr  map[string]error
	queries  []api.PageQuery
	markRead []int64
	sends    []api.SendRequest
	sendResp func(req api.SendRequest) (*models.Message, error)
	recalls  []string
	recallEr error
	deletes  []string
	deleteEr error
	uploads  []string

	// initialGate/historyGate 非空时对应请求会阻塞到收到信号。
	initialGate chan struct{}
	historyGate chan struct{}
	entered     chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: map[string]*models.Page{}, pageErr: map[string]error{}}
}

func (f *fakeBackend) Messages(ctx context.Context, roomID int64, q api.PageQuery) (*models.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	gate := f.initialGate
	if q.Cursor != "" {
		gate = f.historyGate
	}
	entered := f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- q.Cursor
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", roomID, q.Cursor)
	if err := f.pageErr[key]; err != nil {
		return nil, err
	}
	if p, ok := f.pages[key]; ok {
		return p, nil
	}
	return &models.Page{}, nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, roomID)
	return nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, req api.SendRequest) (*models.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	resp := f.sendResp
	f.mu.Unlock()
	if resp == nil {
		return nil, errors.New("no response configured")
	}
	return resp(req)
}

func (f *fakeBackend) Recall(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalls = append(f.recalls, id)
	return f.recallEr
}

func (f *fakeBackend) DeleteForMe(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return f.deleteEr
}

func (f *fakeBackend) UploadImage(ctx context.Context, roomID int64, filename string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return nil
}

func (f *fakeBackend) setPage(roomID int64, cursor string, hasNext *bool, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[fmt.Sprintf("%d/%s", roomID, cursor)] = &models.Page{Data: page(roomID, ids...), HasNext: hasNext}
}

func (f *fakeBackend) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// page 按服务端顺序（新到旧）构造消息，ids 依次从新到旧，时间递减。
func page(roomID int64, ids ...string) []models.Message {
	out := make([]models.Message, len(ids))
	for i, id := range ids {
		out[i] = models.Message{
			ID:         models.ID(id),
			ChatRoomID: roomID,
			SenderID:   2,
			Content:    id,
			CreatedAt:  base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

func ids(s Snapshot) []string {
	out := make([]string, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.ID.String()
	}
	return out
}

func newTimeline(be *fakeBackend, initial, history int) *Timeline {
	return New(be, fakeIdentity{}, Options{InitialPageSize: initial, HistoryPageSize: history})
}

func conv(id int64, unread int) models.Conversation {
	return models.Conversation{ID: id, UnreadCount: unread}
}

func remote(roomID int64, id string, sender int64, at time.Time) Remote {
	return Remote{Message: models.Message{ID: models.ID(id), ChatRoomID: roomID, SenderID: sender, Content: id, CreatedAt: at}}
}

func assertSorted(t *testing.T, s Snapshot) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(s.Messages, func(i, j int) bool {
		return s.Messages[i].CreatedAt.Before(s.Messages[j].CreatedAt)
	}), "timeline not sorted: %v", ids(s))
}

func assertUniqueIDs(t *testing.T, s Snapshot) {
	t.Helper()
	seen := map[models.ID]bool{}
	for _, m := range s.Messages {
		if m.ID == "" {
			continue
		}
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestSelect_EmptyConversation(t *testing.T) {
	be := newFakeBackend()
	tl := newTimeline(be, 20, 50)

	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	s := tl.Snapshot()
	assert.Empty(t, s.Messages)
	assert.False(t, s.HasMore)
	assert.False(t, s.IsLoading)
	assert.Equal(t, int64(1), s.ConversationID)
	assert.Equal(t, []api.PageQuery{{Limit: 20}}, be.queries)
}

func TestSelect_HasMore(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		hasNext *bool
		want    bool
	}{
		{"full page", []string{"m3", "m2", "m1"}, nil, true},
		{"full page with next", []string{"m3", "m2", "m1"}, boolPtr(true), true},
		{"full page no next", []string{"m3", "m2", "m1"}, boolPtr(false), false},
		{"short page", []string{"m2", "m1"}, boolPtr(true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := newFakeBackend()
			be.setPage(1, "", tt.hasNext, tt.ids...)
			tl := newTimeline(be, 3, 50)

			require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
			assert.Equal(t, tt.want, tl.Snapshot().HasMore)
		})
	}
}

func TestSelect_ReversesAndMarksRead(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m3", "m2", "m1")
	tl := newTimeline(be, 20, 50)

	require.NoError(t, tl.Select(context.Background(), conv(1, 4)))
	require.NoError(t, tl.Select(context.Background(), conv(1, 4)))

	s := tl.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s))
	assert.Equal(t, HintSwitch, s.ScrollHint)
	assertSorted(t, s)
	assert.Equal(t, []int64{1}, be.markRead)
	assert.Equal(t, 1, be.queryCount())
}

func TestSelect_NoUnreadSkipsMarkRead(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m1")
	tl := newTimeline(be, 20, 50)

	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
	assert.Empty(t, be.markRead)
}

func TestSelect_FailureEmptiesList(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "a1")
	be.pageErr["2/"] = errors.New("boom")
	tl := newTimeline(be, 1, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
	require.True(t, tl.Snapshot().HasMore)

	err := tl.Select(context.Background(), conv(2, 3))
	require.Error(t, err)

	s := tl.Snapshot()
	assert.Empty(t, s.Messages)
	assert.False(t, s.HasMore)
	assert.False(t, s.IsLoading)
	assert.Empty(t, be.markRead)
}

func TestFetchOlder_PrependsInChronologicalOrder(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "n2", "n1")
	tl := newTimeline(be, 2, 3)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
	be.mu.Lock()
	be.pages["1/n1"] = &models.Page{Data: []models.Message{
		{ID: "o3", ChatRoomID: 1, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "o2", ChatRoomID: 1, CreatedAt: base.Add(-3 * time.Hour)},
		{ID: "o1", ChatRoomID: 1, CreatedAt: base.Add(-4 * time.Hour)},
	}}
	be.mu.Unlock()

	require.NoError(t, tl.FetchOlder(context.Background(), 1))

	s := tl.Snapshot()
	assert.Equal(t, []string{"o1", "o2", "o3", "n1", "n2"}, ids(s))
	assert.Equal(t, api.PageQuery{Cursor: "n1", Limit: 3}, be.queries[1])
	for _, m := range s.Messages[:3] {
		assert.True(t, m.IsFromHistory)
	}
	assert.False(t, s.Messages[3].IsFromHistory)
	assert.True(t, s.HasMore)
	assert.Equal(t, HintHistory, s.ScrollHint)
	assert.Equal(t, 3, s.LastPrepended)
	assertSorted(t, s)
}

func TestFetchOlder_DeduplicatesAgainstLoaded(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m3", "m2")
	tl := newTimeline(be, 2, 3)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
	be.mu.Lock()
	be.pages["1/m2"] = &models.Page{Data: []models.Message{
		{ID: "m2", ChatRoomID: 1, CreatedAt: base.Add(-time.Minute)},
		{ID: "m1", ChatRoomID: 1, CreatedAt: base.Add(-2 * time.Minute)},
		{ID: "m0", ChatRoomID: 1, CreatedAt: base.Add(-3 * time.Minute)},
	}}
	be.mu.Unlock()

	require.NoError(t, tl.FetchOlder(context.Background(), 1))

	s := tl.Snapshot()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, ids(s))
	assertUniqueIDs(t, s)
}

func TestFetchOlder_TerminatesOnShortPage(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m5", "m4")
	be.setPage(1, "m4", nil, "m3", "m2")
	be.setPage(1, "m2", nil, "m1")
	tl := newTimeline(be, 2, 2)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	for i := 0; i < 5; i++ {
		require.NoError(t, tl.FetchOlder(context.Background(), 1))
	}

	s := tl.Snapshot()
	assert.False(t, s.HasMore)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids(s))
	assert.Equal(t, 3, be.queryCount())
}

func TestFetchOlder_EmptyPageStops(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m2", "m1")
	tl := newTimeline(be, 2, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	require.NoError(t, tl.FetchOlder(context.Background(), 1))
	require.NoError(t, tl.FetchOlder(context.Background(), 1))

	assert.False(t, tl.Snapshot().HasMore)
	assert.Equal(t, 2, be.queryCount())
}

func TestFetchOlder_ErrorIsRetryable(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m2", "m1")
	be.pageErr["1/m1"] = errors.New("timeout")
	tl := newTimeline(be, 2, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	require.Error(t, tl.FetchOlder(context.Background(), 1))
	s := tl.Snapshot()
	assert.True(t, s.HasMore)
	assert.False(t, s.IsLoading)

	be.mu.Lock()
	delete(be.pageErr, "1/m1")
	be.mu.Unlock()
	require.NoError(t, tl.FetchOlder(context.Background(), 1))
	assert.Equal(t, 3, be.queryCount())
}

func TestFetchOlder_NoOps(t *testing.T) {
	be := newFakeBackend()
	tl := newTimeline(be, 2, 50)

	// 没有当前会话。
	require.NoError(t, tl.FetchOlder(context.Background(), 1))
	assert.Equal(t, 0, be.queryCount())

	be.setPage(1, "", nil, "m2", "m1")
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
	// 不是当前会话。
	require.NoError(t, tl.FetchOlder(context.Background(), 9))
	assert.Equal(t, 1, be.queryCount())
}

func TestFetchOlder_IsLoadingGuardsConcurrentTriggers(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m2", "m1")
	tl := newTimeline(be, 2, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	be.mu.Lock()
	be.historyGate = make(chan struct{})
	be.entered = make(chan string, 4)
	be.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- tl.FetchOlder(context.Background(), 1) }()
	<-be.entered

	assert.True(t, tl.Snapshot().IsLoading)
	require.NoError(t, tl.FetchOlder(context.Background(), 1))
	assert.False(t, tl.CanFetchOlder(1))

	close(be.historyGate)
	require.NoError(t, <-done)
	assert.Equal(t, 2, be.queryCount())
	assert.False(t, tl.Snapshot().IsLoading)
}

func TestFetchOlder_StalePageDiscardedAfterSwitch(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "a2", "a1")
	be.setPage(1, "a1", nil, "a0")
	be.setPage(2, "", nil, "b2", "b1")
	tl := newTimeline(be, 2, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	be.mu.Lock()
	be.historyGate = make(chan struct{})
	be.entered = make(chan string, 4)
	be.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- tl.FetchOlder(context.Background(), 1) }()
	<-be.entered

	require.NoError(t, tl.Select(context.Background(), conv(2, 0)))
	<-be.entered
	close(be.historyGate)
	require.NoError(t, <-done)

	s := tl.Snapshot()
	assert.Equal(t, int64(2), s.ConversationID)
	assert.Equal(t, []string{"b1", "b2"}, ids(s))
	assert.False(t, s.IsLoading)
}

func TestSelect_RemoteDuringLoadIsMergedOnce(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m2", "m1")
	be.initialGate = make(chan struct{})
	be.entered = make(chan string, 2)
	tl := newTimeline(be, 20, 50)

	done := make(chan error, 1)
	go func() { done <- tl.Select(context.Background(), conv(1, 0)) }()
	<-be.entered

	assert.True(t, tl.ApplyRemote(remote(1, "m2", 2, base)))
	assert.True(t, tl.ApplyRemote(remote(1, "m3", 2, base.Add(time.Minute))))
	close(be.initialGate)
	require.NoError(t, <-done)

	s := tl.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s))
	assertUniqueIDs(t, s)
}

func TestApplyRemote_AppendsInArrivalOrder(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m0")
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	assert.True(t, tl.ApplyRemote(remote(1, "m1", 2, base.Add(time.Minute))))
	assert.True(t, tl.ApplyRemote(remote(1, "m2", 2, base.Add(time.Minute))))

	s := tl.Snapshot()
	assert.Equal(t, []string{"m0", "m1", "m2"}, ids(s))
	assert.Equal(t, HintRemote, s.ScrollHint)
}

func TestApplyRemote_Ignored(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m0")
	tl := newTimeline(be, 20, 50)

	assert.False(t, tl.ApplyRemote(remote(1, "x", 2, base)), "no active conversation")
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	assert.False(t, tl.ApplyRemote(remote(2, "other-room", 2, base)))
	assert.False(t, tl.ApplyRemote(remote(1, "mine", selfID, base)))
	assert.True(t, tl.ApplyRemote(remote(1, "m1", 2, base.Add(time.Second))))
	assert.False(t, tl.ApplyRemote(remote(1, "m1", 2, base.Add(time.Second))), "replayed delivery")
	assert.False(t, tl.ApplyRemote(remote(1, "m0", 2, base)), "already loaded")

	s := tl.Snapshot()
	assert.Equal(t, []string{"m0", "m1"}, ids(s))
	assertUniqueIDs(t, s)
}

func TestApplyRemote_FillsMissingFields(t *testing.T) {
	be := newFakeBackend()
	tl := newTimeline(be, 20, 50)
	now := base.Add(time.Hour)
	tl.now = func() time.Time { return now }
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	require.True(t, tl.ApplyRemote(Remote{Message: models.Message{ChatRoomID: 1, SenderID: 2, Content: "hi"}}))

	s := tl.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Regexp(t, `^ws_[0-9a-f-]{36}$`, s.Messages[0].ID.String())
	assert.Equal(t, now, s.Messages[0].CreatedAt)
}

func TestApplyRemote_OutOfOrderNeverDisplacesCursor(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m3", "m2", "m1")
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	// m1..m3 位于 base-2m..base，迟到的消息时间落在中间。
	require.True(t, tl.ApplyRemote(remote(1, "late", 2, base.Add(-90*time.Second))))
	require.True(t, tl.ApplyRemote(remote(1, "ancient", 2, base.Add(-time.Hour))))

	s := tl.Snapshot()
	assert.Equal(t, []string{"m1", "ancient", "late", "m2", "m3"}, ids(s)[:5])
	assert.Equal(t, "m1", ids(s)[0], "cursor stays at the oldest loaded message")
}

func TestApplyRemote_Recall(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m2", "m1")
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	recall := Remote{Message: models.Message{ChatRoomID: 1, SenderID: selfID}, Recall: true, TargetID: "m1"}
	assert.True(t, tl.ApplyRemote(recall), "own recall notifications still apply")
	assert.False(t, tl.ApplyRemote(Remote{Message: models.Message{ChatRoomID: 1}, Recall: true, TargetID: "missing"}))
	assert.False(t, tl.ApplyRemote(Remote{Message: models.Message{ChatRoomID: 1}, Recall: true}))

	// 同 id 的普通推送不会把撤回恢复。
	assert.False(t, tl.ApplyRemote(Remote{Message: models.Message{ID: "m1", ChatRoomID: 1, SenderID: 2, Recalled: false}}))

	s := tl.Snapshot()
	assert.True(t, s.Messages[0].Recalled)
	assert.False(t, s.Messages[1].Recalled)
}

func TestSend_ReconcilesOptimisticEntry(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m1")
	serverAt := base.Add(5 * time.Minute)
	be.sendResp = func(req api.SendRequest) (*models.Message, error) {
		return &models.Message{ID: "42", ChatRoomID: req.ChatRoomID, SenderID: selfID, Content: req.Content, CreatedAt: serverAt}, nil
	}
	tl := newTimeline(be, 20, 50)
	tl.now = func() time.Time { return base.Add(4 * time.Minute) }
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	require.NoError(t, tl.Send(context.Background(), 1, "hello", models.MessageText, ""))

	s := tl.Snapshot()
	require.Len(t, s.Messages, 2)
	got := s.Messages[1]
	assert.Equal(t, models.ID("42"), got.ID)
	assert.False(t, got.IsOptimistic)
	assert.False(t, got.Error)
	assert.Equal(t, serverAt, got.CreatedAt)
	assert.Equal(t, "Me", got.SenderName)
	for _, m := range s.Messages {
		assert.False(t, m.IsOptimistic && m.Content == "hello")
	}
	assert.Equal(t, HintUserSent, s.ScrollHint)
	require.Len(t, be.sends, 1)
	assert.Nil(t, be.sends[0].ImageURL)
}

func TestSend_OptimisticVisibleBeforeResponse(t *testing.T) {
	be := newFakeBackend()
	release := make(chan struct{})
	be.sendResp = func(req api.SendRequest) (*models.Message, error) {
		<-release
		return &models.Message{ID: "7", CreatedAt: base}, nil
	}
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	done := make(chan error, 1)
	go func() { done <- tl.Send(context.Background(), 1, "same", models.MessageText, "") }()
	require.Eventually(t, func() bool { return len(tl.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)

	opt := tl.Snapshot().Messages[0]
	assert.True(t, opt.IsOptimistic)
	assert.Empty(t, opt.ID)
	assert.Equal(t, selfID, opt.SenderID)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, models.ID("7"), tl.Snapshot().Messages[0].ID)
}

func TestSend_IdenticalContentTouchesOneEntryEach(t *testing.T) {
	be := newFakeBackend()
	var (
		mu   sync.Mutex
		next = 100
	)
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	be.sendResp = func(req api.SendRequest) (*models.Message, error) {
		mu.Lock()
		gate := gates[0]
		gates = gates[1:]
		mu.Unlock()
		<-gate
		mu.Lock()
		defer mu.Unlock()
		next++
		return &models.Message{ID: models.ID(fmt.Sprint(next)), CreatedAt: base.Add(time.Duration(next-100) * time.Minute)}, nil
	}
	first, second := gates[0], gates[1]
	tl := newTimeline(be, 20, 50)
	tl.now = func() time.Time { return base }
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	done := make(chan error, 2)
	go func() { done <- tl.Send(context.Background(), 1, "dup", models.MessageText, "") }()
	require.Eventually(t, func() bool { return len(tl.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)
	go func() { done <- tl.Send(context.Background(), 1, "dup", models.MessageText, "") }()
	require.Eventually(t, func() bool { return len(tl.Snapshot().Messages) == 2 }, time.Second, 5*time.Millisecond)

	close(first)
	require.NoError(t, <-done)
	s := tl.Snapshot()
	assert.Equal(t, []string{"", "101"}, ids(s))
	assert.True(t, s.Messages[0].IsOptimistic)
	assert.False(t, s.Messages[1].IsOptimistic)

	close(second)
	require.NoError(t, <-done)
	s = tl.Snapshot()
	assert.Equal(t, []string{"101", "102"}, ids(s))
}

func TestSend_ServerTimestampKeepsOrder(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "n1")
	release := make(chan struct{})
	be.sendResp = func(req api.SendRequest) (*models.Message, error) {
		<-release
		return &models.Message{ID: "s1", ChatRoomID: 1, SenderID: selfID, Content: req.Content, CreatedAt: base.Add(2 * time.Minute)}, nil
	}
	tl := newTimeline(be, 20, 50)
	// 本地时钟比服务端快。
	tl.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	done := make(chan error, 1)
	go func() { done <- tl.Send(context.Background(), 1, "hi", models.MessageText, "") }()
	require.Eventually(t, func() bool { return len(tl.Snapshot().Messages) == 2 }, time.Second, 5*time.Millisecond)
	require.True(t, tl.ApplyRemote(remote(1, "r1", 2, base.Add(3*time.Minute))))

	close(release)
	require.NoError(t, <-done)

	s := tl.Snapshot()
	assert.Equal(t, []string{"n1", "s1", "r1"}, ids(s))
	assertSorted(t, s)
	assertUniqueIDs(t, s)
}

func TestSend_ReorderedWhenOnlyMessage(t *testing.T) {
	be := newFakeBackend()
	release := make(chan struct{})
	be.sendResp = func(req api.SendRequest) (*models.Message, error) {
		<-release
		return &models.Message{ID: "s1", CreatedAt: base}, nil
	}
	tl := newTimeline(be, 20, 50)
	tl.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	done := make(chan error, 1)
	go func() { done <- tl.Send(context.Background(), 1, "hi", models.MessageText, "") }()
	require.Eventually(t, func() bool { return len(tl.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, tl.ApplyRemote(remote(1, "r1", 2, base.Add(time.Minute))))

	close(release)
	require.NoError(t, <-done)

	s := tl.Snapshot()
	assert.Equal(t, []string{"s1", "r1"}, ids(s), "an entry that was the cursor may stay first")
	assertSorted(t, s)
}

func TestSend_Failures(t *testing.T) {
	tests := []struct {
		name    string
		resp    func(api.SendRequest) (*models.Message, error)
		wantErr error
	}{
		{"request error", func(api.SendRequest) (*models.Message, error) { return nil, errors.New("500") }, nil},
		{"missing id", func(api.SendRequest) (*models.Message, error) { return &models.Message{Content: "x"}, nil }, ErrMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := newFakeBackend()
			be.sendResp = tt.resp
			tl := newTimeline(be, 20, 50)
			require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

			err := tl.Send(context.Background(), 1, "x", models.MessageText, "")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			s := tl.Snapshot()
			require.Len(t, s.Messages, 1)
			assert.True(t, s.Messages[0].Error)
			assert.False(t, s.Messages[0].IsOptimistic)
			assert.Len(t, be.sends, 1, "never retried")
		})
	}
}

func TestSend_RequiresConnectionAndActiveConversation(t *testing.T) {
	be := newFakeBackend()
	connected := false
	tl := New(be, fakeIdentity{}, Options{Connected: func() bool { return connected }})
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	assert.ErrorIs(t, tl.Send(context.Background(), 1, "x", models.MessageText, ""), ErrNotConnected)
	connected = true
	assert.ErrorIs(t, tl.Send(context.Background(), 2, "x", models.MessageText, ""), ErrNoActiveConversation)
	assert.Empty(t, tl.Snapshot().Messages)
	assert.Empty(t, be.sends)
}

func TestSend_ImageCarriesURL(t *testing.T) {
	be := newFakeBackend()
	be.sendResp = func(req api.SendRequest) (*models.Message, error) {
		return &models.Message{ID: "9", MessageType: models.MessageImage, ImageURL: *req.ImageURL, CreatedAt: base}, nil
	}
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	require.NoError(t, tl.Send(context.Background(), 1, "", models.MessageImage, "https://cdn/x.png"))

	require.Len(t, be.sends, 1)
	assert.Equal(t, models.MessageImage, be.sends[0].MessageType)
	got := tl.Snapshot().Messages[0]
	assert.Equal(t, "https://cdn/x.png", got.ImageURL)
	assert.Equal(t, models.MessageImage, got.MessageType)
}

func TestRecall_OptimisticWithoutRollback(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m1")
	be.recallEr = errors.New("rejected")
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	require.Error(t, tl.Recall(context.Background(), "m1"))

	assert.True(t, tl.Snapshot().Messages[0].Recalled)
	assert.Equal(t, []string{"m1"}, be.recalls)
}

func TestDeleteForSelf_Pessimistic(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m2", "m1")
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	be.deleteEr = errors.New("nope")
	require.Error(t, tl.DeleteForSelf(context.Background(), "m1"))
	assert.Equal(t, []string{"m1", "m2"}, ids(tl.Snapshot()))

	be.mu.Lock()
	be.deleteEr = nil
	be.mu.Unlock()
	require.NoError(t, tl.DeleteForSelf(context.Background(), "m1"))
	assert.Equal(t, []string{"m2"}, ids(tl.Snapshot()))
}

func TestUploadImage(t *testing.T) {
	be := newFakeBackend()
	tl := newTimeline(be, 20, 50)

	require.NoError(t, tl.UploadImage(context.Background(), 1, "a.png", nil))
	assert.Equal(t, []string{"a.png"}, be.uploads)
	assert.Equal(t, HintUserSent, tl.Snapshot().ScrollHint)
}

func TestClear(t *testing.T) {
	be := newFakeBackend()
	be.setPage(1, "", nil, "m1")
	tl := newTimeline(be, 20, 50)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))

	tl.Clear()

	s := tl.Snapshot()
	assert.Zero(t, s.ConversationID)
	assert.Empty(t, s.Messages)
	require.NoError(t, tl.Select(context.Background(), conv(1, 0)))
	assert.Equal(t, 2, be.queryCount(), "reselecting after clear reloads")
}

func TestCanRecall(t *testing.T) {
	now := base.Add(time.Hour)
	own := models.Message{ID: "1", SenderID: selfID, CreatedAt: now.Add(-10 * time.Minute)}

	assert.True(t, CanRecall(own, selfID, now))
	assert.Equal(t, 20*time.Minute, RecallExpiresIn(own, now))

	old := own
	old.CreatedAt = now.Add(-31 * time.Minute)
	assert.False(t, CanRecall(old, selfID, now))
	assert.Zero(t, RecallExpiresIn(old, now))

	other := own
	other.SenderID = 2
	assert.False(t, CanRecall(other, selfID, now))

	recalled := own
	recalled.Recalled = true
	assert.False(t, CanRecall(recalled, selfID, now))

	pending := own
	pending.ID = ""
	pending.IsOptimistic = true
	assert.False(t, CanRecall(pending, selfID, now))
}
