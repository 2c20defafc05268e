package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/conversation"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/speech"
)

const (
	maxFrameBytes = 8 << 20 // one utterance of audio
	writeTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsTransport serializes writes to one socket; gorilla connections allow a
// single concurrent writer.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (t *wsTransport) SendText(text string) error {
	return t.write(websocket.TextMessage, []byte(text))
}

func (t *wsTransport) SendBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *wsTransport) IsOpen() bool {
	return !t.closed.Load()
}

func (t *wsTransport) write(messageType int, data []byte) error {
	if t.closed.Load() {
		return errors.New("connection closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) close() {
	if t.closed.Swap(true) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = t.conn.Close()
}

// socketSessions counts the sockets attached to each session id. A
// session is cleaned up when its last socket disconnects.
type socketSessions struct {
	mu    sync.Mutex
	count map[string]int
}

func newSocketSessions() *socketSessions {
	return &socketSessions{count: make(map[string]int)}
}

func (s *socketSessions) attach(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count[sessionID]++
}

// detach reports whether sessionID has no sockets left.
func (s *socketSessions) detach(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.count[sessionID] - 1
	if n > 0 {
		s.count[sessionID] = n
		return false
	}
	delete(s.count, sessionID)
	return true
}

func (s *socketSessions) attached(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count[sessionID]
}

// textFrame is the JSON shape of a typed message on the voice socket.
type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// chatSocket serves a voice session. Binary frames are complete utterances,
// text frames are typed turns. Sockets may share a session id; the session
// ends when the last of them closes.
func (h *Handler) chatSocket(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	voiceReq := conversation.VoiceRequest{SessionID: sessionID}
	ctx := logger.WithSession(c.Request.Context(), sessionID)

	if raw := c.Query("character_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
			return
		}
		character, ok := h.lookupCharacter(c, id)
		if !ok {
			return
		}
		voiceReq.PersonaPrompt = character.PersonaPrompt
		voiceReq.CharacterName = character.Name
		if character.Voice != "" {
			ctx = speech.WithVoice(ctx, character.Voice)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	tr := &wsTransport{conn: conn}
	log := logger.FromContext(ctx)
	log.Info("voice session connected", "remote", c.Request.RemoteAddr)

	h.sockets.attach(sessionID)
	defer func() {
		tr.close()
		if h.sockets.detach(sessionID) {
			h.conversations.CleanupSession(sessionID)
		}
		log.Info("voice session disconnected")
	}()

	hello, _ := json.Marshal(gin.H{"type": "session", "session_id": sessionID})
	if err := tr.SendText(string(hello)); err != nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := h.conversations.HandleBinaryMessage(ctx, tr, voiceReq, data); err != nil {
				log.Debug("voice turn rejected", "error", err)
			}
		case websocket.TextMessage:
			text := parseTextFrame(data)
			err := h.conversations.HandleTextMessage(ctx, tr, conversation.TextRequest{
				SessionID:     sessionID,
				PersonaPrompt: voiceReq.PersonaPrompt,
				CharacterName: voiceReq.CharacterName,
				Input:         text,
			})
			if err != nil {
				log.Debug("text turn rejected", "error", err)
			}
		}
	}
}

// parseTextFrame accepts {"type":"text","text":"..."} or a bare string.
func parseTextFrame(data []byte) string {
	var frame textFrame
	if err := json.Unmarshal(data, &frame); err == nil {
		return frame.Text
	}
	return string(data)
}
