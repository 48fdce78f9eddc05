package live

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/livelink/internal/codec"
	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/identity"
	"github.com/ashureev/livelink/internal/upstream/upstreamtest"
	"github.com/coder/websocket"
)

const testSecret = "test-secret"

// memRepo is an in-memory store.Repository.
type memRepo struct {
	mu            sync.Mutex
	users         map[string]domain.User
	conversations map[string]domain.Conversation
	messages      map[string][]domain.TranscriptMessage
	// calls records write operations in order.
	calls   []string
	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:         make(map[string]domain.User),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.TranscriptMessage),
	}
}

func (m *memRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *memRepo) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.UserID] = *user
	return nil
}

func (m *memRepo) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create")
	m.conversations[conv.ConversationID] = *conv
	return nil
}

func (m *memRepo) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (m *memRepo) SaveMessages(_ context.Context, msgs []domain.TranscriptMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "save")
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, msg := range msgs {
		if _, ok := m.conversations[msg.ConversationID]; !ok {
			return domain.ErrNotFound
		}
		m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	}
	return nil
}

func (m *memRepo) ListMessages(_ context.Context, id string) ([]domain.TranscriptMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TranscriptMessage(nil), m.messages[id]...), nil
}

func (m *memRepo) DeleteEmptyConversations(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memRepo) Ping(context.Context) error { return nil }

func (m *memRepo) Close() error { return nil }

func (m *memRepo) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *memRepo) writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// harness runs a Handler behind an httptest server.
type harness struct {
	t        *testing.T
	srv      *httptest.Server
	adapter  *upstreamtest.Adapter
	repo     *memRepo
	registry *Registry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		adapter:  upstreamtest.NewAdapter(),
		repo:     newMemRepo(),
		registry: NewRegistry(),
	}
	handler := NewHandler(HandlerConfig{
		Verifier:       identity.NewVerifier(testSecret, ""),
		Adapter:        h.adapter,
		Repo:           h.repo,
		Registry:       h.registry,
		AuthTimeout:    time.Second,
		FrameQueueSize: 64,
		PersistTimeout: time.Second,
		DefaultModel:   "test-model",
		DefaultVoice:   "Puck",
	}, opts)
	h.srv = httptest.NewServer(handler)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(userID string) string {
	h.t.Helper()
	tok, err := identity.IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		h.t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (h *harness) url(q url.Values) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/voice?" + q.Encode()
}

// dial connects as userID with extra query parameters.
func (h *harness) dial(userID string, extra url.Values) *client {
	h.t.Helper()
	q := url.Values{"token": {h.token(userID)}}
	for k, v := range extra {
		q[k] = v
	}
	return h.dialURL(h.url(q), nil)
}

func (h *harness) dialURL(u string, opts *websocket.DialOptions) *client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { _ = conn.CloseNow() })
	return &client{t: h.t, conn: conn}
}

// nextHandle waits for the adapter to open a handle.
func (h *harness) nextHandle() *upstreamtest.Handle {
	h.t.Helper()
	select {
	case hd := <-h.adapter.Opened():
		return hd
	case <-time.After(3 * time.Second):
		h.t.Fatal("timeout waiting for upstream open")
		return nil
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *client) send(msgType string, data any) {
	c.t.Helper()
	b, err := codec.EncodeEnvelope(msgType, data)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	c.sendRaw(b)
}

func (c *client) sendRaw(b []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// read returns the next envelope or the read error.
func (c *client) read() (codec.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return codec.Envelope{}, err
	}
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		c.t.Fatalf("server sent malformed envelope %q: %v", data, err)
	}
	return env, nil
}

// until reads envelopes up to and including the first of msgType.
func (c *client) until(msgType string) []codec.Envelope {
	c.t.Helper()
	var seen []codec.Envelope
	for {
		env, err := c.read()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v (seen %v)", msgType, err, types(seen))
		}
		seen = append(seen, env)
		if env.Type == msgType {
			return seen
		}
	}
}

// untilStatus reads up to and including the given status.
func (c *client) untilStatus(status string) []codec.Envelope {
	c.t.Helper()
	var seen []codec.Envelope
	for {
		batch := c.until("status")
		seen = append(seen, batch...)
		var d struct {
			Status string `json:"status"`
		}
		if err := batch[len(batch)-1].Bind(&d); err != nil {
			c.t.Fatalf("bind status: %v", err)
		}
		if d.Status == status {
			return seen
		}
	}
}

// closed reads until the connection closes and returns the close error.
func (c *client) closed() websocket.CloseError {
	c.t.Helper()
	for {
		_, err := c.read()
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			c.t.Fatalf("read ended without close frame: %v", err)
		}
		return ce
	}
}

func types(envs []codec.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func indexOf(envs []codec.Envelope, msgType string) int {
	for i, e := range envs {
		if e.Type == msgType {
			return i
		}
	}
	return -1
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
