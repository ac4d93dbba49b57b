// Package gateway implements §4.E: the WebSocket control-plane gateway.
// Connection acceptance, role classification, inbound message routing,
// outbound fan-out with per-connection ordered sends, and idempotent
// disconnect cleanup. The per-connection writeMu serialization is grounded
// on internal/handler/room_hub.go's sendToListener ("per-listener writeMu
// mutex for serialized ordered sends"); the handshake/read-loop shape is
// grounded on internal/handler/audio.go's HandleWebSocket/receiveLoop.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"translatecast/internal/audit"
	"translatecast/internal/auth"
	"translatecast/internal/ids"
	"translatecast/internal/ingest"
	"translatecast/internal/langvalidate"
	"translatecast/internal/store"
)

// Config mirrors config.WebSocketConfig's fields the gateway needs.
type Config struct {
	SendDeadline time.Duration
}

// wsConn is the subset of *websocket.Conn the gateway's connection-handling
// logic actually calls. Narrowing to an interface (rather than the concrete
// fiber type) lets tests exercise handleJoinSession/disconnect/Notify with
// an in-process fake instead of a live socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// liveConn is one accepted connection: the raw transport plus the mutex
// that serializes its outbound sends (§4.E "one in-flight send per
// connection at a time").
type liveConn struct {
	conn     wsConn
	writeMu  sync.Mutex
	closeOne sync.Once
}

// Gateway wires the store, validator, and verifier behind the WebSocket
// transport. It implements ports.Notifier so the worker pool can reach
// listeners without depending on the gateway directly (§9 Design Notes).
type Gateway struct {
	cfg       Config
	store     *store.Store
	validator *langvalidate.Validator
	verifier  *auth.Verifier
	bus       *ingest.Bus
	audit     audit.Recorder

	mu    sync.RWMutex
	conns map[string]*liveConn
}

func New(cfg Config, st *store.Store, validator *langvalidate.Validator, verifier *auth.Verifier, bus *ingest.Bus, rec audit.Recorder) *Gateway {
	if rec == nil {
		rec = audit.NoopTrail{}
	}
	return &Gateway{
		cfg:       cfg,
		store:     st,
		validator: validator,
		verifier:  verifier,
		bus:       bus,
		audit:     rec,
		conns:     make(map[string]*liveConn),
	}
}

// CreateSession is invoked by an HTTP-level "start session" endpoint
// (out of this gateway's WebSocket surface, but the natural place to mint
// a sessionId before the speaker's first WebSocket connects, per §4.A/§4.I).
func (g *Gateway) CreateSession(ownerID, sourceLanguage string, configuredTargets map[string]struct{}) (*store.Session, error) {
	id, err := ids.New(g.store.Exists)
	if err != nil {
		return nil, fmt.Errorf("gateway: allocate session id: %w", err)
	}
	now := time.Now()
	sess := &store.Session{
		SessionID:         id,
		OwnerID:           ownerID,
		SourceLanguage:    sourceLanguage,
		ConfiguredTargets: configuredTargets,
		Status:            store.StatusActive,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(24 * time.Hour),
	}
	g.store.PutSession(sess)
	g.audit.Record(audit.EventSessionCreated, id, "", "owner="+ownerID)
	return sess, nil
}

// handshakeParams are the query parameters extracted by the fiber
// middleware before the WebSocket upgrade (§6).
type handshakeParams struct {
	Token          string
	SessionID      string
	TargetLanguage string
}

// HandleConnection is the $connect-equivalent entry point wired to
// websocket.New in gateway/server.go.
func (g *Gateway) HandleConnection(c *websocket.Conn) {
	params := handshakeParams{
		Token:          localString(c, "token"),
		SessionID:      localString(c, "sessionId"),
		TargetLanguage: localString(c, "targetLanguage"),
	}

	if params.SessionID == "" {
		closeWith(c, AppCloseBadRequest, "sessionId is required")
		return
	}

	ctx := context.Background()
	principal := g.verifier.Verify(ctx, params.Token)

	sess, err := g.store.GetSession(params.SessionID)
	if err != nil {
		closeWith(c, AppCloseNotFound, "session not found")
		return
	}
	if sess.Status != store.StatusActive {
		closeWith(c, AppCloseNotFound, "session has ended")
		return
	}

	var role store.Role
	switch {
	case params.TargetLanguage != "":
		role = store.RoleListener
	case principal.UserID != "" && principal.UserID == sess.OwnerID:
		role = store.RoleSpeaker
	default:
		closeWith(c, AppClosePolicy, "not the session owner and no targetLanguage supplied")
		return
	}

	if role == store.RoleListener {
		if err := g.validator.ValidatePair(sess.SourceLanguage, params.TargetLanguage); err != nil {
			closeWith(c, AppCloseBadRequest, err.Error())
			return
		}
	}

	connID := ids.NewConnectionID()
	now := time.Now()
	conn := &store.Connection{
		ConnectionID:   connID,
		SessionID:      params.SessionID,
		Role:           role,
		TargetLanguage: params.TargetLanguage,
		UserID:         principal.UserID,
		ConnectedAt:    now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(2 * time.Hour),
	}

	evicted, err := g.store.PutConnection(conn)
	if err != nil {
		closeWith(c, AppCloseNotFound, "session not available")
		return
	}
	if evicted != "" {
		g.audit.Record(audit.EventSpeakerEvicted, params.SessionID, evicted, "superseded by "+connID)
		g.closeEvicted(evicted)
	}

	g.mu.Lock()
	g.conns[connID] = &liveConn{conn: c}
	g.mu.Unlock()

	kind := audit.EventConnectionJoined
	g.audit.Record(kind, params.SessionID, connID, string(role))

	g.sendDirect(c, sessionJoinedMsg{
		Type:         "sessionJoined",
		SessionID:    params.SessionID,
		ConnectionID: connID,
		ServerTime:   now.UnixMilli(),
	})

	g.readLoop(c, connID, params.SessionID, role)
}

// readLoop is the per-connection inbound message loop (§4.E "Inbound
// message routing"), grounded on audio.go's receiveLoop shape.
func (g *Gateway) readLoop(c wsConn, connID, sessionID string, role store.Role) {
	defer g.disconnect(connID, "transport closed")

	for {
		messageType, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue // §6: binary frames are not accepted inbound
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.sendDirect(c, errorMsg{Type: "error", Code: "ProtocolError", Message: "malformed JSON frame"})
			continue
		}

		switch env.Action {
		case "joinSession":
			g.handleJoinSession(c, connID, sessionID, role, raw)
		case "audioChunk":
			g.handleAudioChunk(c, connID, sessionID, role, raw)
		case "leave":
			return
		default:
			g.sendDirect(c, errorMsg{Type: "error", Code: "ProtocolError", Message: "unrecognized action: " + env.Action})
		}
	}
}

// handleJoinSession implements the idempotent join contract (§4.E, P4):
// a repeat joinSession on the same connectionId re-sends sessionJoined
// without duplicating the Connection row.
func (g *Gateway) handleJoinSession(c wsConn, connID, sessionID string, role store.Role, raw []byte) {
	if role != store.RoleListener {
		g.sendDirect(c, errorMsg{Type: "error", Code: "AuthzError", Message: "joinSession is listener-only"})
		return
	}
	var msg joinSessionMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendDirect(c, errorMsg{Type: "error", Code: "ProtocolError", Message: "malformed joinSession"})
		return
	}

	existing, err := g.store.GetConnection(connID)
	if err == nil && existing.SessionID == sessionID && existing.TargetLanguage == msg.TargetLanguage {
		// Already joined with matching params: idempotent re-send (P4).
		g.sendDirect(c, sessionJoinedMsg{
			Type:         "sessionJoined",
			SessionID:    sessionID,
			ConnectionID: connID,
			ServerTime:   time.Now().UnixMilli(),
		})
		return
	}

	sess, err := g.store.GetSession(sessionID)
	if err != nil || sess.Status != store.StatusActive {
		g.sendDirect(c, errorMsg{Type: "error", Code: "NotFound", Message: "session not found or ended"})
		return
	}
	if err := g.validator.ValidatePair(sess.SourceLanguage, msg.TargetLanguage); err != nil {
		g.sendDirect(c, errorMsg{Type: "error", Code: "Validation", Message: err.Error()})
		return
	}

	now := time.Now()
	conn := &store.Connection{
		ConnectionID:   connID,
		SessionID:      sessionID,
		Role:           store.RoleListener,
		TargetLanguage: msg.TargetLanguage,
		ConnectedAt:    now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(2 * time.Hour),
	}
	if _, err := g.store.PutConnection(conn); err != nil {
		g.sendDirect(c, errorMsg{Type: "error", Code: "NotFound", Message: "session not available"})
		return
	}
	g.audit.Record(audit.EventConnectionJoined, sessionID, connID, "rejoin target="+msg.TargetLanguage)

	g.sendDirect(c, sessionJoinedMsg{
		Type:         "sessionJoined",
		SessionID:    sessionID,
		ConnectionID: connID,
		ServerTime:   now.UnixMilli(),
	})
}

// handleAudioChunk implements the speaker-only ingestion path (§4.E,
// §4.F): decode base64 PCM and hand it to the ingest bus without ever
// persisting it. Errors never close the connection.
func (g *Gateway) handleAudioChunk(c wsConn, connID, sessionID string, role store.Role, raw []byte) {
	if role != store.RoleSpeaker {
		g.sendDirect(c, audioChunkErrorMsg{Type: "audioChunkError", Reason: "audioChunk is speaker-only"})
		return
	}
	var msg audioChunkMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendDirect(c, audioChunkErrorMsg{Type: "audioChunkError", Reason: "malformed audioChunk"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		g.sendDirect(c, audioChunkErrorMsg{Type: "audioChunkError", Reason: "invalid base64 audioData"})
		return
	}

	g.bus.Append(sessionID, ingest.Frame{
		Data:       data,
		Timestamp:  time.UnixMilli(msg.Timestamp),
		SampleRate: msg.SampleRate,
		Channels:   msg.Channels,
		Encoding:   msg.Encoding,
	})
}

// disconnect is the idempotent $disconnect-equivalent (§4.E). Guaranteed
// to run exactly once per Connection via liveConn's sync.Once.
func (g *Gateway) disconnect(connID, reason string) {
	g.mu.Lock()
	lc, ok := g.conns[connID]
	if ok {
		delete(g.conns, connID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	lc.closeOne.Do(func() {
		conn, err := g.store.GetConnection(connID)
		if err != nil {
			_ = lc.conn.Close()
			return
		}
		_ = g.store.DeleteConnection(connID)
		g.audit.Record(audit.EventConnectionLeft, conn.SessionID, connID, reason)

		if conn.Role == store.RoleSpeaker {
			g.endSession(conn.SessionID, "speaker disconnected")
		}
		_ = lc.conn.Close()
	})
}

// closeEvicted tears down a connection that I3 superseded, without
// re-running the full disconnect/session-end path (the evicting speaker
// is about to take its place).
func (g *Gateway) closeEvicted(connID string) {
	g.mu.Lock()
	lc, ok := g.conns[connID]
	if ok {
		delete(g.conns, connID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	lc.closeOne.Do(func() {
		closeWith(lc.conn, ClosePolicyViolation, "superseded by a new speaker connection")
	})
}

// endSession implements I4: transition to ended, notify every remaining
// listener with sessionEnded, then reap them, before returning.
func (g *Gateway) endSession(sessionID, reason string) {
	connIDs, err := g.store.EndSession(sessionID)
	if err != nil {
		return
	}
	g.audit.Record(audit.EventSessionEnded, sessionID, "", reason)
	g.bus.EndSession(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.Notify(ctx, connIDs, sessionEndedMsg{Type: "sessionEnded", SessionID: sessionID, Reason: reason})

	for _, id := range connIDs {
		g.mu.Lock()
		lc, ok := g.conns[id]
		if ok {
			delete(g.conns, id)
		}
		g.mu.Unlock()
		if ok {
			lc.closeOne.Do(func() { _ = lc.conn.Close() })
		}
	}
}

// Notify implements ports.Notifier (§4.G step 7, §4.E "Outbound
// fan-out"): parallel across connections, serialized per connection, with
// a bounded deadline per send. Returns the connectionIds that turned out
// to be gone so the caller can reap them from the store.
func (g *Gateway) Notify(ctx context.Context, connectionIDs []string, message any) []string {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var gone []string

	for _, id := range connectionIDs {
		g.mu.RLock()
		lc, ok := g.conns[id]
		g.mu.RUnlock()
		if !ok {
			mu.Lock()
			gone = append(gone, id)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(id string, lc *liveConn) {
			defer wg.Done()
			if err := g.send(lc, message); err != nil {
				log.Printf("[Gateway] send failed for connection=%s: %v", id, err)
				mu.Lock()
				gone = append(gone, id)
				mu.Unlock()
				g.disconnect(id, "gone connection: send failed")
			}
		}(id, lc)
	}
	wg.Wait()
	return gone
}

// send serializes one write behind the connection's writeMu (§4.E
// per-connection ordered queue) under the bounded send deadline (≤2s).
func (g *Gateway) send(lc *liveConn, message any) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()

	deadline := g.cfg.SendDeadline
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	_ = lc.conn.SetWriteDeadline(time.Now().Add(deadline))

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return lc.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) sendDirect(c wsConn, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[Gateway] direct send failed: %v", err)
	}
}

func closeWith(c wsConn, code int, reason string) {
	data := websocket.FormatCloseMessage(code, reason)
	_ = c.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second))
	_ = c.Close()
}

func localString(c *websocket.Conn, key string) string {
	if v, ok := c.Locals(key).(string); ok {
		return v
	}
	return ""
}
