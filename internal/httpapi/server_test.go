package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/pairing"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/rooms"
)

// Minimal in-memory collaborators, just enough to drive the handlers.

type memQueue struct {
	mu      sync.Mutex
	entries []queue.Entry
	readErr error
	nextID  int
}

func (q *memQueue) Read(_ context.Context, n int) ([]queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.readErr != nil {
		return nil, q.readErr
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]queue.Entry, n)
	copy(out, q.entries[:n])
	return out, nil
}

func (q *memQueue) Delete(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.MessageID == messageID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (q *memQueue) Enqueue(_ context.Context, userID, _ string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := "msg-" + userID
	q.entries = append(q.entries, queue.Entry{MessageID: id, UserID: userID, EnqueuedAt: time.Now()})
	return id, nil
}

func (q *memQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

type memSkips struct{}

func (memSkips) Record(context.Context, string, string) error       { return nil }
func (memSkips) Check(context.Context, string, string) (bool, error) { return false, nil }

type memRooms struct {
	mu      sync.Mutex
	deleted []string
}

func (r *memRooms) Create(_ context.Context, a, b string) (*rooms.Room, error) {
	return &rooms.Room{ID: "room-1", Members: []string{a, b}}, nil
}

func (r *memRooms) Delete(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, roomID)
	return nil
}

type memNotifier struct{}

func (memNotifier) Matched(string, *rooms.Room) error { return nil }
func (memNotifier) Idle(string, string) error         { return nil }
func (memNotifier) Skipped(string, string) error      { return nil }

type memSnap struct{ snap presence.Snapshot }

func (s memSnap) Snapshot(context.Context) (presence.Snapshot, error) { return s.snap, nil }

func newTestServer(q *memQueue, snap presence.Snapshot) (*Server, *memRooms) {
	roomStore := &memRooms{}
	svc := pairing.NewService(q, memSkips{}, roomStore, memNotifier{}, memSnap{snap: snap}, nil, pairing.DefaultOptions())
	return NewServer(svc, nil), roomStore
}

func TestRunPairing_SuccessEnvelope(t *testing.T) {
	q := &memQueue{}
	snap := presence.Snapshot{
		"u1": {{ConnID: "c1", Status: presence.StatusWaiting}},
		"u2": {{ConnID: "c2", Status: presence.StatusWaiting}},
	}
	srv, _ := newTestServer(q, snap)
	q.Enqueue(context.Background(), "u1", "")
	q.Enqueue(context.Background(), "u2", "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pairing/run", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Success bool `json:"success"`
		Stats   struct {
			TotalUsers  int `json:"totalUsers"`
			PairedRooms int `json:"pairedRooms"`
		} `json:"stats"`
		Rooms []*rooms.Room `json:"rooms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.Stats.TotalUsers != 2 || resp.Stats.PairedRooms != 1 {
		t.Errorf("stats = %+v, want 2 users / 1 room", resp.Stats)
	}
	if len(resp.Rooms) != 1 || resp.Rooms[0].ID != "room-1" {
		t.Errorf("rooms = %v, want [room-1]", resp.Rooms)
	}
}

func TestRunPairing_ErrorEnvelope(t *testing.T) {
	q := &memQueue{readErr: errors.New("redis: connection refused")}
	srv, _ := newTestServer(q, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pairing/run", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Success {
		t.Error("expected success=false")
	}
	if !strings.Contains(resp.Error, "connection refused") {
		t.Errorf("error = %q, want the underlying cause", resp.Error)
	}
}

func TestJoin_EnqueuesAndReturnsMessageID(t *testing.T) {
	q := &memQueue{}
	srv, _ := newTestServer(q, nil)

	body := strings.NewReader(`{"user_id":"u1","continent":"EU"}`)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/join", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Success   bool   `json:"success"`
		MessageID string `json:"message_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success || resp.MessageID == "" {
		t.Errorf("response = %+v, want success with a message id", resp)
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestJoin_RateLimited(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	const user = "test_rl_user"
	client.Del(ctx, ratelimit.RuleJoin.Key+user)
	t.Cleanup(func() {
		client.Del(ctx, ratelimit.RuleJoin.Key+user)
		client.Close()
	})

	q := &memQueue{}
	roomStore := &memRooms{}
	svc := pairing.NewService(q, memSkips{}, roomStore, memNotifier{}, memSnap{}, nil, pairing.DefaultOptions())
	srv := NewServer(svc, ratelimit.NewLimiter(client))

	join := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"user_id":"` + user + `"}`)
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/join", body))
		return rec
	}

	for i := 0; i < ratelimit.RuleJoin.Limit; i++ {
		rec := join()
		if rec.Code != http.StatusAccepted {
			t.Fatalf("join %d: status = %d, want 202", i+1, rec.Code)
		}
	}

	rec := join()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once the limit is spent", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func TestJoin_RequiresUserID(t *testing.T) {
	srv, _ := newTestServer(&memQueue{}, nil)

	for _, body := range []string{`{}`, `not json`} {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/join", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSkip_AppliesSideEffects(t *testing.T) {
	q := &memQueue{}
	srv, roomStore := newTestServer(q, nil)

	body := strings.NewReader(`{"user_id":"u1","partner_id":"u2","room_id":"room-7"}`)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/skip", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if len(roomStore.deleted) != 1 || roomStore.deleted[0] != "room-7" {
		t.Errorf("deleted rooms = %v, want [room-7]", roomStore.deleted)
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Errorf("queue length = %d, want the skipper re-enqueued", n)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(&memQueue{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
