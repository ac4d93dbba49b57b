package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"translatecast/internal/audit"
	"translatecast/internal/auth"
	"translatecast/internal/ingest"
	"translatecast/internal/langvalidate"
	"translatecast/internal/ports"
	"translatecast/internal/store"
)

// fakeConn is an in-process wsConn double: no real socket, just enough to
// observe what the gateway tried to send/close.
type fakeConn struct {
	sent   [][]byte
	closed atomic.Int32
}

func (f *fakeConn) ReadMessage() (int, []byte, error)         { return 0, nil, nil }
func (f *fakeConn) WriteMessage(_ int, data []byte) error     { f.sent = append(f.sent, data); return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) Close() error                              { f.closed.Add(1); return nil }

func (f *fakeConn) lastMessageType() string {
	if len(f.sent) == 0 {
		return ""
	}
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(f.sent[len(f.sent)-1], &env)
	return env.Type
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	st := store.New()
	oracle := stubOracle{}
	validator := langvalidate.New(oracle, 0)
	verifier := auth.NewVerifier(&auth.StaticKeySource{Secret: []byte("test-secret")}, 0, "", "")
	bus := ingest.New(ingest.DefaultConfig(), ports.SystemClock{})
	return New(Config{}, st, validator, verifier, bus, audit.NoopTrail{})
}

type stubOracle struct{}

func (stubOracle) SupportedLanguages(context.Context) (map[string]struct{}, map[string]struct{}, error) {
	return nil, nil, nil
}

func TestCreateSession_AllocatesIDAndPersists(t *testing.T) {
	gw := newTestGateway(t)
	sess, err := gw.CreateSession("owner-1", "en", map[string]struct{}{"ko": {}})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, store.StatusActive, sess.Status)

	stored, err := gw.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", stored.OwnerID)
}

func TestCreateSession_DistinctSessionIDsAcrossCalls(t *testing.T) {
	gw := newTestGateway(t)
	a, err := gw.CreateSession("owner-1", "en", nil)
	require.NoError(t, err)
	b, err := gw.CreateSession("owner-2", "en", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, b.SessionID)
}

// registerListener puts a listener Connection directly in the store and
// wires a fakeConn into the gateway's live-connection registry, bypassing
// HandleConnection's handshake so handleJoinSession/disconnect can be
// exercised in isolation.
func registerListener(t *testing.T, gw *Gateway, sessionID, connID, targetLang string) *fakeConn {
	t.Helper()
	now := time.Now()
	_, err := gw.store.PutConnection(&store.Connection{
		ConnectionID:   connID,
		SessionID:      sessionID,
		Role:           store.RoleListener,
		TargetLanguage: targetLang,
		ConnectedAt:    now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	fc := &fakeConn{}
	gw.mu.Lock()
	gw.conns[connID] = &liveConn{conn: fc}
	gw.mu.Unlock()
	return fc
}

func joinSessionFrame(t *testing.T, sessionID, targetLang string) []byte {
	t.Helper()
	raw, err := json.Marshal(joinSessionMsg{Action: "joinSession", SessionID: sessionID, TargetLanguage: targetLang})
	require.NoError(t, err)
	return raw
}

// P4: a repeat joinSession on the same connectionId with matching params
// re-sends sessionJoined without touching the store.
func TestHandleJoinSession_RepeatWithMatchingParamsIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	sess, err := gw.CreateSession("owner-1", "en", map[string]struct{}{"ko": {}})
	require.NoError(t, err)

	connID := "conn-listener-1"
	fc := registerListener(t, gw, sess.SessionID, connID, "ko")

	raw := joinSessionFrame(t, sess.SessionID, "ko")
	gw.handleJoinSession(fc, connID, sess.SessionID, store.RoleListener, raw)
	require.Len(t, fc.sent, 1)
	assert.Equal(t, "sessionJoined", fc.lastMessageType())

	before, err := gw.store.GetConnection(connID)
	require.NoError(t, err)

	gw.handleJoinSession(fc, connID, sess.SessionID, store.RoleListener, raw)
	require.Len(t, fc.sent, 2)
	assert.Equal(t, "sessionJoined", fc.lastMessageType())

	after, err := gw.store.GetConnection(connID)
	require.NoError(t, err)
	assert.Equal(t, before.ConnectedAt, after.ConnectedAt, "idempotent rejoin must not recreate the Connection row")
}

// A joinSession with a different targetLanguage than the existing
// Connection is NOT the idempotent branch: it re-validates and rewrites.
func TestHandleJoinSession_DifferentTargetLanguageRewritesConnection(t *testing.T) {
	gw := newTestGateway(t)
	sess, err := gw.CreateSession("owner-1", "en", map[string]struct{}{"ko": {}, "fr": {}})
	require.NoError(t, err)

	connID := "conn-listener-2"
	fc := registerListener(t, gw, sess.SessionID, connID, "ko")

	gw.handleJoinSession(fc, connID, sess.SessionID, store.RoleListener, joinSessionFrame(t, sess.SessionID, "fr"))

	updated, err := gw.store.GetConnection(connID)
	require.NoError(t, err)
	assert.Equal(t, "fr", updated.TargetLanguage)
}

// disconnect is guaranteed to run its cleanup exactly once per Connection
// even if called twice (e.g. a racing transport error and an explicit
// "leave" both triggering it).
func TestDisconnect_SecondCallIsNoop(t *testing.T) {
	gw := newTestGateway(t)
	sess, err := gw.CreateSession("owner-1", "en", nil)
	require.NoError(t, err)

	connID := "conn-listener-3"
	fc := registerListener(t, gw, sess.SessionID, connID, "ko")

	gw.disconnect(connID, "transport closed")
	assert.Equal(t, int32(1), fc.closed.Load())
	_, err = gw.store.GetConnection(connID)
	assert.Error(t, err, "Connection row must be gone after disconnect")

	gw.disconnect(connID, "transport closed again")
	assert.Equal(t, int32(1), fc.closed.Load(), "second disconnect must not close the transport again")

	gw.mu.RLock()
	_, stillTracked := gw.conns[connID]
	gw.mu.RUnlock()
	assert.False(t, stillTracked)
}

// A speaker disconnect ends the session (I4); calling disconnect again for
// the same (already-removed) connection must not try to end it a second time.
func TestDisconnect_SpeakerDisconnectEndsSessionOnce(t *testing.T) {
	gw := newTestGateway(t)
	sess, err := gw.CreateSession("speaker-1", "en", nil)
	require.NoError(t, err)

	connID := "conn-speaker-1"
	now := time.Now()
	_, err = gw.store.PutConnection(&store.Connection{
		ConnectionID:   connID,
		SessionID:      sess.SessionID,
		Role:           store.RoleSpeaker,
		UserID:         "speaker-1",
		ConnectedAt:    now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	fc := &fakeConn{}
	gw.mu.Lock()
	gw.conns[connID] = &liveConn{conn: fc}
	gw.mu.Unlock()

	gw.disconnect(connID, "speaker left")
	gw.disconnect(connID, "speaker left again")

	ended, err := gw.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, ended.Status)
}
