package poller

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"PeerSupport/internal/matchmaker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu         sync.Mutex
	checks     int
	leaves     int
	matchAt    int // 第几次检查返回 matched，0 表示从不
	failFrom   int // 从第几次检查开始失败，0 表示从不
	afterLeave bool
}

func (f *fakeClient) CheckStatus(ctx context.Context, userID string) (matchmaker.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.afterLeave && f.leaves > 0 {
		return matchmaker.Outcome{State: matchmaker.StateMatched, PeerID: "late", RoomID: "room-late"}, nil
	}
	if f.failFrom > 0 && f.checks >= f.failFrom {
		return matchmaker.Outcome{}, errors.New("503 from server")
	}
	if f.matchAt > 0 && f.checks >= f.matchAt {
		return matchmaker.Outcome{State: matchmaker.StateMatched, PeerID: "p", RoomID: "room-1"}, nil
	}
	return matchmaker.Outcome{State: matchmaker.StateWaiting}, nil
}

func (f *fakeClient) LeaveQueue(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeClient) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.leaves
}

func TestPollerReturnsWhenMatched(t *testing.T) {
	fc := &fakeClient{matchAt: 3}
	p := New(fc, 5*time.Millisecond, time.Second)

	out, err := p.Wait(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StateMatched, out.State)
	assert.Equal(t, "room-1", out.RoomID)

	checks, leaves := fc.counts()
	assert.Equal(t, 3, checks)
	assert.Equal(t, 0, leaves, "matched users must not leave")
}

func TestPollerTimeoutLeavesQueue(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, 5*time.Millisecond, 40*time.Millisecond)

	_, err := p.Wait(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoMatchFound)

	checks, leaves := fc.counts()
	assert.Greater(t, checks, 1)
	assert.Equal(t, 1, leaves)
}

func TestPollerGivesUpAfterRepeatedFailures(t *testing.T) {
	fc := &fakeClient{failFrom: 1}
	p := New(fc, 5*time.Millisecond, 10*time.Second)

	start := time.Now()
	_, err := p.Wait(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoMatchFound)
	assert.Less(t, time.Since(start), 5*time.Second, "must not spin until the timeout")

	_, leaves := fc.counts()
	assert.Equal(t, 1, leaves)
}

func TestPollerCancelLeavesQueue(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, 5*time.Millisecond, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := p.Wait(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
	_, leaves := fc.counts()
	assert.Equal(t, 1, leaves)
}

func TestPollerMatchCommittedAfterLeaveStands(t *testing.T) {
	fc := &fakeClient{afterLeave: true}
	p := New(fc, 5*time.Millisecond, 30*time.Millisecond)

	out, err := p.Wait(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "room-late", out.RoomID)
}

func TestPollerAgainstService(t *testing.T) {
	svc := matchmaker.NewService(matchmaker.NewMemoryRepo(), nil)
	ctx := context.Background()

	out, err := svc.JoinQueue(ctx, "alice", []string{"stress"})
	require.NoError(t, err)
	require.Equal(t, matchmaker.StateWaiting, out.State)

	bobc := make(chan matchmaker.Outcome, 1)
	time.AfterFunc(30*time.Millisecond, func() {
		out, _ := svc.JoinQueue(ctx, "bob", nil)
		bobc <- out
	})

	p := New(svc, 5*time.Millisecond, 2*time.Second)
	got, err := p.Wait(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.PeerID)
	assert.NotEmpty(t, got.RoomID)
	bob := <-bobc
	assert.Equal(t, got.RoomID, bob.RoomID)
}

// token 即用户标识，省去签名
func testServer(svc *matchmaker.Service) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if tok := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "); tok != "" {
			c.Set(matchmaker.UserIDKey, tok)
		}
	})
	r.POST("/api/peer-match", matchmaker.NewHandler(svc).PeerMatch)
	return httptest.NewServer(r)
}

func TestHTTPClientRoundTrip(t *testing.T) {
	svc := matchmaker.NewService(matchmaker.NewMemoryRepo(), nil)
	srv := testServer(svc)
	defer srv.Close()
	ctx := context.Background()

	alice := NewHTTPClient(srv.URL+"/", "alice")
	bob := NewHTTPClient(srv.URL, "bob")

	out, err := alice.JoinQueue(ctx, []string{"grief"})
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StateWaiting, out.State)

	out, err = bob.JoinQueue(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StateMatched, out.State)
	assert.Equal(t, "alice", out.PeerID)

	st, err := alice.CheckStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", st.PeerID)
	assert.Equal(t, out.RoomID, st.RoomID)

	assert.NoError(t, alice.LeaveQueue(ctx, ""))

	anon := NewHTTPClient(srv.URL, "")
	_, err = anon.CheckStatus(ctx, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
