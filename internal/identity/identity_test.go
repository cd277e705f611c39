package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/memoir-cowriter/internal/domain"
)

type fakeUsers struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	lastSeen map[string]time.Time
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*domain.User{}, lastSeen: map[string]time.Time{}}
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeUsers) UpdateLastSeen(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[userID] = at
	return nil
}

type seen struct {
	userID, username, sessionID string
}

func serve(t *testing.T, users Users, req *http.Request) (*httptest.ResponseRecorder, seen) {
	t.Helper()
	var got seen
	h := Middleware(users, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = seen{
			userID:    UserIDFromContext(r.Context()),
			username:  UsernameFromContext(r.Context()),
			sessionID: SessionIDFromContext(r.Context()),
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddlewareIssuesAnonymousIdentity(t *testing.T) {
	users := newFakeUsers()

	rec, got := serve(t, users, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `^anon_[a-f0-9]{32}$`, got.userID)
	assert.Equal(t, "writer-"+got.userID[len(got.userID)-8:], got.username)
	assert.Equal(t, DefaultSessionIDValue, got.sessionID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, got.userID, cookies[0].Value)
	assert.Contains(t, users.users, got.userID)
}

func TestMiddlewareReusesCookieAndTouchesLastSeen(t *testing.T) {
	users := newFakeUsers()
	id := "anon_0123456789abcdef0123456789abcdef"
	users.users[id] = &domain.User{UserID: id}

	req := httptest.NewRequest(http.MethodGet, "/api/memoir", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-42")

	_, got := serve(t, users, req)
	assert.Equal(t, id, got.userID)
	assert.Equal(t, "tab-42", got.sessionID)
	assert.False(t, users.lastSeen[id].IsZero())
}

func TestMiddlewareThrottlesLastSeen(t *testing.T) {
	users := newFakeUsers()
	id := "anon_0123456789abcdef0123456789abcdef"
	users.users[id] = &domain.User{UserID: id, LastSeenAt: time.Now()}

	req := httptest.NewRequest(http.MethodGet, "/api/memoir", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})

	rec, got := serve(t, users, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, got.userID)
	assert.NotContains(t, users.lastSeen, id)
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_not-hex"})

	_, got := serve(t, newFakeUsers(), req)
	assert.NotEqual(t, "anon_not-hex", got.userID)
}

func TestSessionIDFromQueryAndSanitizing(t *testing.T) {
	_, got := serve(t, newFakeUsers(), httptest.NewRequest(http.MethodGet, "/ws/agent?session_id=tab.7", nil))
	assert.Equal(t, "tab.7", got.sessionID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "../../etc/passwd")
	_, got = serve(t, newFakeUsers(), req)
	assert.Equal(t, DefaultSessionIDValue, got.sessionID)
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "anon_0123456789abcdef0123456789abcdef", "")
	assert.Equal(t, "anon_0123456789abcdef0123456789abcdef", UserIDFromContext(ctx))
	assert.Equal(t, DefaultSessionIDValue, SessionIDFromContext(ctx))
	assert.Empty(t, UserIDFromContext(context.Background()))
}
