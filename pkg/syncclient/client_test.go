package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studyroom-sync-be/internal/realtime"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	srv    *httptest.Server
	status int
	dials  atomic.Int32
	auth   atomic.Value
	conns  chan *websocket.Conn
}

func newFakeServer(t *testing.T, status int) *fakeServer {
	t.Helper()
	fs := &fakeServer{status: status, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)
		fs.auth.Store(r.Header.Get("Authorization"))
		if !strings.HasSuffix(r.URL.Path, "/api/sessions/room-1/ws") {
			http.NotFound(w, r)
			return
		}
		if fs.status != 0 {
			w.WriteHeader(fs.status)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, want realtime.EventType) realtime.Envelope {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := realtime.DecodeFrame(frame)
		require.NoError(t, err)
		if env.Type == realtime.EventHeartbeat && want != realtime.EventHeartbeat {
			continue
		}
		require.Equal(t, want, env.Type)
		return env
	}
}

func writeEvent(t *testing.T, conn *websocket.Conn, et realtime.EventType, payload interface{}) {
	t.Helper()
	frame, err := realtime.EncodeFrame(et, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Envelope
	errs   []error
}

func (r *recorder) onEvent(env realtime.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) messageIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, env := range r.events {
		if env.Type != realtime.EventMessageNew {
			continue
		}
		var m realtime.Message
		if json.Unmarshal(env.Data, &m) == nil {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (r *recorder) hasError(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func testConfig(fs *fakeServer, rec *recorder) Config {
	return Config{
		URL:               fs.url(),
		SessionID:         "room-1",
		ParticipantID:     "alice",
		DisplayName:       "Alice",
		AuthToken:         "token-123",
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
		OnEvent:           rec.onEvent,
		OnError:           rec.onError,
	}
}

func msg(id int64, sender, clientMsgID string) realtime.Message {
	return realtime.Message{ID: id, SessionID: "room-1", SenderID: sender, ClientMsgID: clientMsgID, Content: "hi", Kind: realtime.KindText}
}

func TestOpenJoinsAndDropsDuplicates(t *testing.T) {
	fs := newFakeServer(t, 0)
	rec := &recorder{}
	c, err := Open(context.Background(), testConfig(fs, rec))
	require.NoError(t, err)
	defer c.Close()

	conn := fs.accept(t)
	var join realtime.JoinPayload
	require.NoError(t, json.Unmarshal(readEnvelope(t, conn, realtime.EventJoin).Data, &join))
	assert.Equal(t, realtime.JoinPayload{SessionID: "room-1", ParticipantID: "alice", DisplayName: "Alice"}, join)
	assert.Equal(t, "Bearer token-123", fs.auth.Load())

	writeEvent(t, conn, realtime.EventMessageNew, msg(1, "bob", "b1"))
	writeEvent(t, conn, realtime.EventMessageNew, msg(1, "bob", "b1"))
	writeEvent(t, conn, realtime.EventMessageNew, msg(2, "bob", "b2"))

	assert.Eventually(t, func() bool { return c.LastSeenID() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, rec.messageIDs())
}

func TestReconnectRejoinsAndResendsOutbox(t *testing.T) {
	fs := newFakeServer(t, 0)
	rec := &recorder{}
	c, err := Open(context.Background(), testConfig(fs, rec))
	require.NoError(t, err)
	defer c.Close()

	first := fs.accept(t)
	readEnvelope(t, first, realtime.EventJoin)
	writeEvent(t, first, realtime.EventMessageNew, msg(5, "bob", "b5"))
	require.Eventually(t, func() bool { return c.LastSeenID() == 5 }, 2*time.Second, 5*time.Millisecond)

	clientMsgID, err := c.SendMessage("are we there yet?")
	require.NoError(t, err)
	var sent realtime.SendMessagePayload
	require.NoError(t, json.Unmarshal(readEnvelope(t, first, realtime.EventMessageNew).Data, &sent))
	assert.Equal(t, clientMsgID, sent.ClientMsgID)
	assert.Equal(t, 1, c.Pending())

	// Drop without acknowledging.
	first.Close()

	second := fs.accept(t)
	var join realtime.JoinPayload
	require.NoError(t, json.Unmarshal(readEnvelope(t, second, realtime.EventJoin).Data, &join))
	assert.Equal(t, int64(5), join.LastSeenID)

	var resent realtime.SendMessagePayload
	require.NoError(t, json.Unmarshal(readEnvelope(t, second, realtime.EventMessageNew).Data, &resent))
	assert.Equal(t, sent, resent)

	writeEvent(t, second, realtime.EventMessageAck, realtime.MessageAck{ClientMsgID: clientMsgID, ID: 6, Duplicate: true})
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rec.hasError(realtime.ErrConnectionLost))
	assert.NoError(t, c.Err())
}

func TestResyncDeliversMissedMessages(t *testing.T) {
	fs := newFakeServer(t, 0)
	rec := &recorder{}
	c, err := Open(context.Background(), testConfig(fs, rec))
	require.NoError(t, err)
	defer c.Close()

	conn := fs.accept(t)
	readEnvelope(t, conn, realtime.EventJoin)
	writeEvent(t, conn, realtime.EventResync, realtime.ResyncPayload{
		SessionID: "room-1",
		Missed:    []realtime.Message{msg(1, "bob", "b1"), msg(2, "alice", "a1"), msg(3, "bob", "b2")},
	})

	assert.Eventually(t, func() bool { return c.LastSeenID() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, rec.messageIDs())
}

func TestServerErrorSettlesOutbox(t *testing.T) {
	fs := newFakeServer(t, 0)
	rec := &recorder{}
	c, err := Open(context.Background(), testConfig(fs, rec))
	require.NoError(t, err)
	defer c.Close()

	conn := fs.accept(t)
	readEnvelope(t, conn, realtime.EventJoin)

	clientMsgID, err := c.SendMessage("hello")
	require.NoError(t, err)
	readEnvelope(t, conn, realtime.EventMessageNew)

	writeEvent(t, conn, realtime.EventError, realtime.ErrorPayload{Code: "persistence_failed", Message: "db down", ClientMsgID: clientMsgID})
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.errs)
	var serverErr *ServerError
	require.ErrorAs(t, rec.errs[len(rec.errs)-1], &serverErr)
	assert.Equal(t, "persistence_failed", serverErr.Code)
}

func TestOpenFatalHandshake(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: realtime.ErrAuthRejected},
		{name: "forbidden", status: http.StatusForbidden, want: realtime.ErrAuthRejected},
		{name: "unknown room", status: http.StatusNotFound, want: realtime.ErrRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t, tt.status)
			_, err := Open(context.Background(), testConfig(fs, &recorder{}))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), fs.dials.Load(), "fatal errors are not retried")
		})
	}
}

func TestOpenGivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t, http.StatusServiceUnavailable)
	cfg := testConfig(fs, &recorder{})
	cfg.MaxAttempts = 3

	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, realtime.ErrConnectionLost)
	assert.Equal(t, int32(3), fs.dials.Load())
}

func TestHeartbeat(t *testing.T) {
	fs := newFakeServer(t, 0)
	cfg := testConfig(fs, &recorder{})
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	conn := fs.accept(t)
	readEnvelope(t, conn, realtime.EventJoin)
	readEnvelope(t, conn, realtime.EventHeartbeat)
}

func TestNotJoinedErrorKeepsMessageQueued(t *testing.T) {
	fs := newFakeServer(t, 0)
	rec := &recorder{}
	c, err := Open(context.Background(), testConfig(fs, rec))
	require.NoError(t, err)
	defer c.Close()

	first := fs.accept(t)
	readEnvelope(t, first, realtime.EventJoin)

	clientMsgID, err := c.SendMessage("typed during a rejoin")
	require.NoError(t, err)
	readEnvelope(t, first, realtime.EventMessageNew)

	writeEvent(t, first, realtime.EventError, realtime.ErrorPayload{Code: "not_joined", Message: "join first", ClientMsgID: clientMsgID})
	writeEvent(t, first, realtime.EventMessageNew, msg(1, "bob", "b1"))
	require.Eventually(t, func() bool { return c.LastSeenID() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Pending())

	first.Close()

	second := fs.accept(t)
	readEnvelope(t, second, realtime.EventJoin)
	var resent realtime.SendMessagePayload
	require.NoError(t, json.Unmarshal(readEnvelope(t, second, realtime.EventMessageNew).Data, &resent))
	assert.Equal(t, clientMsgID, resent.ClientMsgID)
}

func TestJoinIsFirstFrameAfterReconnect(t *testing.T) {
	fs := newFakeServer(t, 0)
	cfg := testConfig(fs, &recorder{})
	cfg.HeartbeatInterval = time.Millisecond
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	first := fs.accept(t)
	readEnvelope(t, first, realtime.EventJoin)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.SendMessage("busy")
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	first.Close()

	second := fs.accept(t)
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := second.ReadMessage()
	require.NoError(t, err)
	env, err := realtime.DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, realtime.EventJoin, env.Type)
}

func TestTimerRemainingProjectsLastTick(t *testing.T) {
	fs := newFakeServer(t, 0)
	c, err := Open(context.Background(), testConfig(fs, &recorder{}))
	require.NoError(t, err)
	defer c.Close()

	conn := fs.accept(t)
	readEnvelope(t, conn, realtime.EventJoin)

	_, _, ok := c.TimerRemaining(time.Now())
	assert.False(t, ok)

	epoch := time.Now().UTC().Truncate(time.Second)
	writeEvent(t, conn, realtime.EventTimerTick, realtime.TimerTickPayload{
		SessionID: "room-1", RemainingSeconds: 90, Mode: realtime.ModeShortBreak, Running: true, ServerEpoch: epoch,
	})
	require.Eventually(t, func() bool {
		_, _, ok := c.TimerRemaining(epoch)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	remaining, mode, _ := c.TimerRemaining(epoch.Add(30 * time.Second))
	assert.Equal(t, 60, remaining)
	assert.Equal(t, realtime.ModeShortBreak, mode)
}
