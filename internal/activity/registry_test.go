package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(opts ...Option) (*Registry, *fakeClock) {
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRegistry(NewMemoryStorage(), opts...), clock
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry()

	if err := r.TrackActivity(ctx, "u1", "s1", "/dashboard", nil); err != nil {
		t.Fatalf("TrackActivity() error: %v", err)
	}
	clock.Advance(time.Second)
	if err := r.TrackActivity(ctx, "u1", "s1", "/reports", nil); err != nil {
		t.Fatalf("TrackActivity() error: %v", err)
	}

	sessions, err := r.GetUserSessions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("GetUserSessions() error: %v", err)
	}
	if len(sessions) != 1 || len(sessions[0].Activities) != 2 {
		t.Fatalf("Expected 1 session with 2 activities, got %+v", sessions)
	}

	if err := r.EndSession(ctx, "u1", "s1"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}

	clock.Advance(time.Second)
	if err := r.TrackActivity(ctx, "u1", "s1", "/x", nil); err != nil {
		t.Fatalf("TrackActivity() error: %v", err)
	}

	sessions, err = r.GetUserSessions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("GetUserSessions() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions after reuse of an ended id, got %d", len(sessions))
	}

	newest, oldest := sessions[0], sessions[1]
	if newest.Ended() || len(newest.Activities) != 1 || newest.Activities[0].URL != "/x" {
		t.Errorf("Expected open newest session with only /x, got %+v", newest)
	}
	if !oldest.Ended() || len(oldest.Activities) != 2 {
		t.Errorf("Expected ended session with 2 activities, got %+v", oldest)
	}
	if newest.Key == oldest.Key {
		t.Error("Expected distinct keys per session lifecycle")
	}

	activities, err := r.GetSessionActivities(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSessionActivities() error: %v", err)
	}
	if len(activities) != 1 || activities[0].URL != "/x" {
		t.Errorf("Expected activities of the newest session, got %+v", activities)
	}
}

func TestEndSessionUnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.EndSession(context.Background(), "u1", "nope"); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestEndSessionTwiceKeepsFirstEnd(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry()

	_ = r.TrackActivity(ctx, "u1", "s1", "/a", nil)
	_ = r.EndSession(ctx, "u1", "s1")
	first, _ := r.LookupSession(ctx, "u1", "s1")

	clock.Advance(time.Minute)
	_ = r.EndSession(ctx, "u1", "s1")
	second, _ := r.LookupSession(ctx, "u1", "s1")

	if !first.EndedAt.Equal(*second.EndedAt) {
		t.Errorf("Expected EndedAt to stay %v, got %v", first.EndedAt, second.EndedAt)
	}
}

func TestGetSessionActivitiesUnknown(t *testing.T) {
	r, _ := newTestRegistry()

	activities, err := r.GetSessionActivities(context.Background(), "u1", "missing")
	if err != nil {
		t.Fatalf("GetSessionActivities() error: %v", err)
	}
	if activities == nil || len(activities) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", activities)
	}
}

func TestGetUserSessionsOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry()

	for _, id := range []string{"a", "b", "c"} {
		if err := r.TrackActivity(ctx, "u1", id, "/"+id, nil); err != nil {
			t.Fatalf("TrackActivity() error: %v", err)
		}
		clock.Advance(time.Second)
	}
	// Touch "a" last so it becomes most recent.
	_ = r.TrackActivity(ctx, "u1", "a", "/a2", nil)

	sessions, err := r.GetUserSessions(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("GetUserSessions() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "a" || sessions[1].ID != "c" {
		t.Errorf("Expected order [a c], got [%s %s]", sessions[0].ID, sessions[1].ID)
	}

	other, _ := r.GetUserSessions(ctx, "u2", 0)
	if len(other) != 0 {
		t.Errorf("Expected no sessions for u2, got %d", len(other))
	}
}

func TestIdleTimeoutStartsNewSession(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(WithIdleTimeout(30 * time.Minute))

	_ = r.TrackActivity(ctx, "u1", "s1", "/a", nil)
	idleSince := clock.Now()

	clock.Advance(29 * time.Minute)
	_ = r.TrackActivity(ctx, "u1", "s1", "/b", nil)

	clock.Advance(31 * time.Minute)
	_ = r.TrackActivity(ctx, "u1", "s1", "/c", nil)

	sessions, _ := r.GetUserSessions(ctx, "u1", 0)
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}

	old := sessions[1]
	if !old.Ended() {
		t.Fatal("Expected idle session to be ended")
	}
	if want := idleSince.Add(29 * time.Minute); !old.EndedAt.Equal(want) {
		t.Errorf("Expected idle session to end at its last activity %v, got %v", want, old.EndedAt)
	}
	if len(old.Activities) != 2 || len(sessions[0].Activities) != 1 {
		t.Errorf("Unexpected activity split: old=%d new=%d", len(old.Activities), len(sessions[0].Activities))
	}
}

func TestSessionIDReusedByAnotherUser(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry()

	_ = r.TrackActivity(ctx, "alice", "s1", "/a", nil)
	_ = r.EndSession(ctx, "alice", "s1")
	clock.Advance(time.Second)
	_ = r.TrackActivity(ctx, "alice", "s1", "/b", nil)

	clock.Advance(time.Second)
	if err := r.TrackActivity(ctx, "bob", "s1", "/z", nil); err != nil {
		t.Fatalf("TrackActivity() error: %v", err)
	}

	alice, _ := r.GetUserSessions(ctx, "alice", 0)
	if len(alice) != 2 {
		t.Fatalf("Expected alice to keep 2 sessions, got %d", len(alice))
	}
	if alice[0].Ended() || len(alice[0].Activities) != 1 || alice[0].Activities[0].URL != "/b" {
		t.Errorf("Expected alice's live session untouched, got %+v", alice[0])
	}

	bob, _ := r.GetUserSessions(ctx, "bob", 0)
	if len(bob) != 1 || bob[0].UserID != "bob" || bob[0].Key == alice[0].Key {
		t.Errorf("Expected bob to get a separate session, got %+v", bob)
	}

	activities, _ := r.GetSessionActivities(ctx, "alice", "s1")
	if len(activities) != 1 || activities[0].URL != "/b" {
		t.Errorf("Expected alice's activities to stay readable, got %+v", activities)
	}
	activities, _ = r.GetSessionActivities(ctx, "bob", "s1")
	if len(activities) != 1 || activities[0].URL != "/z" {
		t.Errorf("Expected bob's own activities, got %+v", activities)
	}
}

func TestEndSessionOnlyAffectsCaller(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	_ = r.TrackActivity(ctx, "alice", "s1", "/a", nil)
	if err := r.EndSession(ctx, "bob", "s1"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}

	sess, _ := r.LookupSession(ctx, "alice", "s1")
	if sess == nil || sess.Ended() {
		t.Errorf("Expected alice's session to stay open, got %+v", sess)
	}
	if got, _ := r.LookupSession(ctx, "bob", "s1"); got != nil {
		t.Errorf("Expected no session for bob, got %+v", got)
	}
}

func TestFullSessionRollsOver(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(WithMaxActivities(3))

	for i := 0; i < 4; i++ {
		if err := r.TrackActivity(ctx, "u1", "s1", "/a", nil); err != nil {
			t.Fatalf("TrackActivity() error: %v", err)
		}
		clock.Advance(time.Second)
	}

	sessions, _ := r.GetUserSessions(ctx, "u1", 0)
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if !sessions[1].Ended() || len(sessions[1].Activities) != 3 {
		t.Errorf("Expected ended session with 3 activities, got %+v", sessions[1])
	}
	if sessions[0].Ended() || len(sessions[0].Activities) != 1 {
		t.Errorf("Expected open session with 1 activity, got %+v", sessions[0])
	}
}

// cappedStorage reports ErrSessionFull once a session holds limit activities.
type cappedStorage struct {
	*MemoryStorage
	limit int
}

func (c *cappedStorage) SaveSession(ctx context.Context, s *model.Session) error {
	if len(s.Activities) > c.limit {
		return ErrSessionFull
	}
	return c.MemoryStorage.SaveSession(ctx, s)
}

func TestStorageFullRollsOver(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := NewRegistry(&cappedStorage{MemoryStorage: NewMemoryStorage(), limit: 2}, WithClock(clock.Now))

	for _, url := range []string{"/a", "/b", "/c"} {
		if err := r.TrackActivity(ctx, "u1", "s1", url, nil); err != nil {
			t.Fatalf("TrackActivity(%s) error: %v", url, err)
		}
		clock.Advance(time.Second)
	}

	sessions, _ := r.GetUserSessions(ctx, "u1", 0)
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if len(sessions[1].Activities) != 2 || !sessions[1].Ended() {
		t.Errorf("Expected full session ended with 2 activities, got %+v", sessions[1])
	}
	if len(sessions[0].Activities) != 1 || sessions[0].Activities[0].URL != "/c" {
		t.Errorf("Expected new session holding /c, got %+v", sessions[0])
	}

	tight := NewRegistry(&cappedStorage{MemoryStorage: NewMemoryStorage(), limit: 0})
	var verr *apperr.ValidationError
	if err := tight.TrackActivity(ctx, "u1", "s1", "/a", nil); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for an activity that never fits, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry()

	start := clock.Now()
	meta := &model.ActivityMetadata{Actions: []model.Action{{Name: "zoom"}, {Name: "pan"}}}

	_ = r.TrackActivity(ctx, "u1", "s1", "/map", meta)
	clock.Advance(time.Second)
	_ = r.TrackActivity(ctx, "u1", "s1", "/map", nil)
	clock.Advance(time.Second)
	_ = r.TrackActivity(ctx, "u1", "s1", "/reports", nil)
	_ = r.EndSession(ctx, "u1", "s1")

	clock.Advance(time.Second)
	_ = r.TrackActivity(ctx, "u1", "s2", "/reports", meta)
	clock.Advance(time.Second)
	_ = r.TrackActivity(ctx, "u1", "s2", "/fields", nil)
	end := clock.Now()

	stats, err := r.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}

	if stats.TotalSessions != 2 || stats.ActiveSessions != 1 {
		t.Errorf("Expected 2 sessions, 1 active; got %d, %d", stats.TotalSessions, stats.ActiveSessions)
	}
	if stats.TotalActivities != 5 {
		t.Errorf("Expected 5 activities, got %d", stats.TotalActivities)
	}
	if stats.TotalActions != 4 {
		t.Errorf("Expected 4 actions, got %d", stats.TotalActions)
	}

	want := []model.RouteCount{{URL: "/map", Count: 2}, {URL: "/reports", Count: 2}, {URL: "/fields", Count: 1}}
	if len(stats.TopRoutes) != len(want) {
		t.Fatalf("Expected %d routes, got %+v", len(want), stats.TopRoutes)
	}
	for i := range want {
		if stats.TopRoutes[i] != want[i] {
			t.Errorf("TopRoutes[%d] = %+v, want %+v", i, stats.TopRoutes[i], want[i])
		}
	}

	if stats.FirstSeen == nil || !stats.FirstSeen.Equal(start) {
		t.Errorf("Expected FirstSeen %v, got %v", start, stats.FirstSeen)
	}
	if stats.LastSeen == nil || !stats.LastSeen.Equal(end) {
		t.Errorf("Expected LastSeen %v, got %v", end, stats.LastSeen)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	r, _ := newTestRegistry()

	stats, err := r.GetStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if stats.TotalSessions != 0 || stats.FirstSeen != nil || len(stats.TopRoutes) != 0 {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestTrackActivityValidation(t *testing.T) {
	r, _ := newTestRegistry()

	var verr *apperr.ValidationError
	if err := r.TrackActivity(context.Background(), "u1", "", "/a", nil); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if err := r.TrackActivity(context.Background(), "u1", "s1", "", nil); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestActionsStoredVerbatim(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	meta := &model.ActivityMetadata{
		Actions: []model.Action{{Name: "open"}, {Name: "open"}, {Name: "close", Target: "panel"}},
	}
	_ = r.TrackActivity(ctx, "u1", "s1", "/a", meta)

	activities, _ := r.GetSessionActivities(ctx, "u1", "s1")
	if len(activities) != 1 || activities[0].Metadata == nil {
		t.Fatalf("Expected one activity with metadata, got %+v", activities)
	}
	if got := activities[0].Metadata.Actions; len(got) != 3 || got[2].Target != "panel" {
		t.Errorf("Expected actions stored as given, got %+v", got)
	}
}

func TestConcurrentTracking(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.TrackActivity(ctx, "u1", "s1", "/a", nil)
		}()
	}
	wg.Wait()

	activities, _ := r.GetSessionActivities(ctx, "u1", "s1")
	if len(activities) != 25 {
		t.Errorf("Expected 25 activities, got %d", len(activities))
	}
	sessions, _ := r.GetUserSessions(ctx, "u1", 0)
	if len(sessions) != 1 {
		t.Errorf("Expected 1 session, got %d", len(sessions))
	}
}
