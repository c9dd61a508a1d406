package dashboard

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hostpanel/process"
	"hostpanel/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 1024
)

// Terminal protocol event names.
const (
	evCreateSession = "create-session"
	evInput         = "input"
	evResize        = "resize"
	evCloseSession  = "close-session"

	evSessionCreated = "session-created"
	evOutput         = "output"
	evSessionClosed  = "session-closed"
	evError          = "error"
)

// wsMessage is one JSON frame of the terminal protocol, in either direction.
type wsMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminals routes session events to the WebSocket connection that owns the
// session. It implements session.Sink.
type Terminals struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewTerminals creates an empty connection set.
func NewTerminals(log *zap.Logger) *Terminals {
	if log == nil {
		log = zap.NewNop()
	}
	return &Terminals{log: log, conns: make(map[string]*wsConn)}
}

func (t *Terminals) SessionCreated(connID, sessionID string) {
	t.send(connID, wsMessage{Event: evSessionCreated, SessionID: sessionID})
}

func (t *Terminals) SessionOutput(connID, sessionID string, data []byte) {
	c := t.conn(connID)
	if c == nil {
		return
	}
	if text := c.decode(sessionID, data); text != "" {
		c.send(wsMessage{Event: evOutput, SessionID: sessionID, Data: text})
	}
}

func (t *Terminals) SessionClosed(connID, sessionID string, exitCode int) {
	c := t.conn(connID)
	if c == nil {
		return
	}
	if rest := c.flush(sessionID); rest != "" {
		c.send(wsMessage{Event: evOutput, SessionID: sessionID, Data: rest})
	}
	c.send(wsMessage{Event: evSessionClosed, SessionID: sessionID, Code: &exitCode})
}

// Len returns the number of attached connections.
func (t *Terminals) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll drops every attached connection.
func (t *Terminals) CloseAll() {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (t *Terminals) send(connID string, m wsMessage) {
	if c := t.conn(connID); c != nil {
		c.send(m)
	}
}

func (t *Terminals) conn(id string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

func (t *Terminals) attach(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		out:     make(chan wsMessage, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string][]byte),
	}
	c.log = t.log.With(zap.String("connection_id", c.id))
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	return c
}

func (t *Terminals) detach(c *wsConn) {
	t.mu.Lock()
	if t.conns[c.id] == c {
		delete(t.conns, c.id)
	}
	t.mu.Unlock()
}

// wsConn is one browser connection. All writes to the socket happen on the
// writeLoop goroutine.
type wsConn struct {
	id  string
	ws  *websocket.Conn
	log *zap.Logger

	out       chan wsMessage
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string][]byte // incomplete UTF-8 tail per session
}

// send queues m without blocking. A connection that cannot keep up is
// closed; its read loop then tears its sessions down.
func (c *wsConn) send(m wsMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- m:
	case <-c.done:
	default:
		c.log.Warn("terminal connection fell behind, closing")
		c.close()
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.log.Warn("terminal write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("terminal ping failed", zap.Error(err))
				return
			}
		}
	}
}

// decode turns a chunk of terminal output into text, holding back a
// multi-byte character split across chunks until its remaining bytes arrive.
func (c *wsConn) decode(sessionID string, data []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append(c.pending[sessionID], data...)
	complete, rest := splitUTF8(buf)
	if len(rest) > 0 {
		c.pending[sessionID] = slices.Clone(rest)
	} else {
		delete(c.pending, sessionID)
	}
	return strings.ToValidUTF8(string(complete), "\uFFFD")
}

func (c *wsConn) flush(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rest := c.pending[sessionID]
	delete(c.pending, sessionID)
	return strings.ToValidUTF8(string(rest), "\uFFFD")
}

// splitUTF8 separates a trailing incomplete UTF-8 sequence from b.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

// handleTerminal upgrades to a WebSocket and serves the terminal protocol on
// it until the socket fails. Every session of the connection is torn down
// exactly once when it does.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	terms := s.opts.Terminals
	c := terms.attach(ws)
	c.log.Info("terminal connection opened", zap.String("remote", r.RemoteAddr))
	go c.writeLoop()

	defer func() {
		terms.detach(c)
		c.close()
		if err := s.opts.Sessions.Disconnect(c.id); err != nil {
			c.log.Warn("closing sessions of lost connection", zap.Error(err))
		}
		c.log.Info("terminal connection closed")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m wsMessage
		if err := ws.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("terminal read failed", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(c, m)
	}
}

func (s *Server) dispatch(c *wsConn, m wsMessage) {
	if m.SessionID == "" {
		c.send(wsMessage{Event: evError, Error: "sessionId is required"})
		return
	}
	reg := s.opts.Sessions
	switch m.Event {
	case evCreateSession:
		if err := reg.CreateSession(c.id, m.SessionID); err != nil {
			c.send(wsMessage{Event: evError, SessionID: m.SessionID, Error: createError(err)})
		}
	case evInput:
		if err := reg.Input(c.id, m.SessionID, []byte(m.Data)); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			c.log.Warn("terminal input failed", zap.String("session_id", m.SessionID), zap.Error(err))
		}
	case evResize:
		if err := reg.Resize(c.id, m.SessionID, m.Cols, m.Rows); err != nil {
			c.log.Debug("terminal resize failed", zap.String("session_id", m.SessionID), zap.Error(err))
		}
	case evCloseSession:
		if err := reg.CloseSession(c.id, m.SessionID); err != nil {
			c.log.Warn("closing session", zap.String("session_id", m.SessionID), zap.Error(err))
		}
	default:
		c.send(wsMessage{Event: evError, SessionID: m.SessionID, Error: "unknown event " + m.Event})
	}
}

func createError(err error) string {
	switch {
	case errors.Is(err, session.ErrDuplicateSession):
		return "session already exists"
	case process.IsLaunchError(err):
		return "failed to start terminal: " + err.Error()
	default:
		return err.Error()
	}
}

// checkOrigin accepts requests without an Origin header, from the server's
// own host, or from a configured origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return slices.ContainsFunc(s.opts.AllowedOrigins, func(o string) bool {
		return strings.EqualFold(strings.TrimRight(o, "/"), origin)
	})
}
