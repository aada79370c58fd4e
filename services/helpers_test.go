package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/utils"
)

const testSecret = "test-secret"

var testStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func mintToken(t *testing.T, userID string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    "user",
		"exp":     expires.Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func testOptions(instanceID string) ServerOptions {
	return ServerOptions{
		InstanceID:            instanceID,
		SendBuffer:            64,
		MaxConnectionsPerUser: 5,
		AbuseThreshold:        3,
		HandshakePolicy:       RateLimitPolicy{Name: "handshake", Points: 100, Window: time.Minute, Block: time.Minute},
		EventPolicy:           RateLimitPolicy{Name: "event", Points: 100, Window: time.Minute, Block: time.Minute},
		TypingPolicy:          RateLimitPolicy{Name: "typing", Points: 10, Window: 10 * time.Second, Block: 10 * time.Second},
		RoomIdleTTL:           time.Hour,
		DeliveryRetention:     10 * time.Minute,
		TypingTTL:             5 * time.Second,
	}
}

type testInstance struct {
	*Server
	t     *testing.T
	clock *ManualClock
}

func newTestInstance(t *testing.T, broker *MemoryBroker, instanceID string, clock *ManualClock, mutate ...func(*ServerDeps, *ServerOptions)) *testInstance {
	t.Helper()
	deps := ServerDeps{
		Backplane: broker.Client(),
		Verifier:  NewJWTVerifier(testSecret),
		Clock:     clock,
		Logger:    utils.NewNopLogger(),
	}
	opts := testOptions(instanceID)
	for _, m := range mutate {
		m(&deps, &opts)
	}
	srv := NewServer(deps, opts)
	require.NoError(t, srv.Router.Start(context.Background()))
	return &testInstance{Server: srv, t: t, clock: clock}
}

// connect opens a session for userID using a token that has not expired on
// the real clock the JWT parser uses.
func (ti *testInstance) connect(userID string) *Session {
	ti.t.Helper()
	s, err := ti.Gateway.Connect(context.Background(), mintToken(ti.t, userID, time.Now().Add(time.Hour)), TransportMeta{
		IP:        "10.0.0.1",
		UserAgent: "test-agent",
		Platform:  "web",
	})
	require.NoError(ti.t, err)
	return s
}

// send encodes an inbound event and runs it through the dispatcher.
func (ti *testInstance) send(s *Session, event string, data any) error {
	ti.t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(ti.t, err)
	return ti.Dispatcher.Handle(context.Background(), s, raw)
}

type frame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (f frame) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}

// drain returns every frame queued for s so far.
func drain(t *testing.T, s *Session) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-s.Outbound():
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func named(frames []frame, event string) []frame {
	var out []frame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func chatMessages(t *testing.T, frames []frame) []models.ChatMessagePayload {
	t.Helper()
	var out []models.ChatMessagePayload
	for _, f := range named(frames, models.EventChatMessage) {
		var p models.ChatMessagePayload
		f.decode(t, &p)
		out = append(out, p)
	}
	return out
}

// recordingPublisher captures presence broadcasts.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PresencePayload
}

func (p *recordingPublisher) PublishPresence(_ context.Context, payload models.PresencePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return nil
}

func (p *recordingPublisher) statuses(userID string) []models.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PresenceStatus
	for _, e := range p.events {
		if e.UserID == userID {
			out = append(out, e.Status)
		}
	}
	return out
}

// recordingLastSeen captures last-seen writes.
type recordingLastSeen struct {
	mu     sync.Mutex
	writes map[string]time.Time
}

func (w *recordingLastSeen) WriteLastSeen(_ context.Context, userID string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes == nil {
		w.writes = make(map[string]time.Time)
	}
	w.writes[userID] = at
	return nil
}

func (w *recordingLastSeen) get(userID string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.writes[userID]
	return at, ok
}

// recordingSink captures metric reports.
type recordingSink struct {
	mu     sync.Mutex
	gauges map[string]int64
	counts map[string]int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{gauges: make(map[string]int64), counts: make(map[string]int64)}
}

func (r *recordingSink) Gauge(_ context.Context, name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

func (r *recordingSink) Count(_ context.Context, name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += delta
}
