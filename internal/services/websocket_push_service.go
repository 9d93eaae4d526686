package services

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"payswap-backend/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pushSendBuffer   = 64
	pushHubBuffer    = 256
	pushWriteTimeout = 10 * time.Second
	pushPongTimeout  = 60 * time.Second
	pushPingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscriptions are authorized by the owner's bearer token, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connection is one websocket subscriber watching a handle.
type Connection struct {
	ID       string
	Handle   string
	Conn     *websocket.Conn
	Send     chan []byte
	LastPing time.Time
}

// PushMessage is the frame written to subscribers.
type PushMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id"`
	Handle    string      `json:"handle"`
	Data      interface{} `json:"data"`
}

// WebSocketPushService fans payment and swap updates out to the websocket
// connections subscribed to a handle. All map mutation happens on the run
// goroutine.
type WebSocketPushService struct {
	connections map[string]*Connection
	handleConns map[string][]*Connection
	hub         chan PushMessage
	register    chan *Connection
	unregister  chan *Connection
	done        chan struct{}
	closeOnce   sync.Once
	mutex       sync.RWMutex
	log         *logrus.Entry
}

func NewWebSocketPushService(log *logrus.Logger) *WebSocketPushService {
	service := &WebSocketPushService{
		connections: make(map[string]*Connection),
		handleConns: make(map[string][]*Connection),
		hub:         make(chan PushMessage, pushHubBuffer),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
		log:         log.WithField("component", "push"),
	}
	go service.run()
	return service
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

func (s *WebSocketPushService) run() {
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)
		case conn := <-s.unregister:
			s.handleUnregister(conn)
		case message := <-s.hub:
			s.handleBroadcast(message)
		case <-s.done:
			s.closeAll()
			return
		}
	}
}

// Close disconnects every subscriber and stops the hub.
func (s *WebSocketPushService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NotifyHandle queues an update for every connection watching handle. It
// never blocks: when the hub is saturated the update is dropped.
func (s *WebSocketPushService) NotifyHandle(handle, event string, data interface{}) {
	handle = normalizeHandle(handle)
	if handle == "" {
		return
	}
	message := PushMessage{
		Type:      event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
		Handle:    handle,
		Data:      data,
	}
	select {
	case s.hub <- message:
	case <-s.done:
	default:
		s.log.WithFields(logrus.Fields{"handle": handle, "type": event}).Warn("⚠️ [Push] Hub full, dropping update")
	}
}

func (s *WebSocketPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	s.connections[conn.ID] = conn
	s.handleConns[conn.Handle] = append(s.handleConns[conn.Handle], conn)
	total := len(s.connections)
	s.mutex.Unlock()

	metrics.PushConnections.Set(float64(total))
	s.log.WithFields(logrus.Fields{"handle": conn.Handle, "conn_id": conn.ID}).Info("📱 [Push] Connection registered")

	s.sendToConnection(conn, PushMessage{
		Type:      "connection_established",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
		Handle:    conn.Handle,
		Data:      map[string]interface{}{"connection_id": conn.ID},
	})
}

func (s *WebSocketPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	if _, ok := s.connections[conn.ID]; !ok {
		s.mutex.Unlock()
		return
	}
	delete(s.connections, conn.ID)
	conns := s.handleConns[conn.Handle]
	for i, c := range conns {
		if c.ID == conn.ID {
			s.handleConns[conn.Handle] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(s.handleConns[conn.Handle]) == 0 {
		delete(s.handleConns, conn.Handle)
	}
	total := len(s.connections)
	s.mutex.Unlock()

	close(conn.Send)
	metrics.PushConnections.Set(float64(total))
	s.log.WithFields(logrus.Fields{"handle": conn.Handle, "conn_id": conn.ID}).Info("📱 [Push] Connection unregistered")
}

func (s *WebSocketPushService) closeAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for id, conn := range s.connections {
		close(conn.Send)
		delete(s.connections, id)
	}
	s.handleConns = make(map[string][]*Connection)
	metrics.PushConnections.Set(0)
}

func (s *WebSocketPushService) handleBroadcast(message PushMessage) {
	s.mutex.RLock()
	conns := append([]*Connection(nil), s.handleConns[message.Handle]...)
	s.mutex.RUnlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		s.log.WithError(err).WithField("type", message.Type).Error("❌ [Push] Failed to marshal update")
		return
	}
	dropped := 0
	for _, conn := range conns {
		select {
		case conn.Send <- data:
		default:
			dropped++
		}
	}
	s.log.WithFields(logrus.Fields{
		"handle":  message.Handle,
		"type":    message.Type,
		"sent":    len(conns) - dropped,
		"dropped": dropped,
	}).Debug("📤 [Push] Update delivered")
}

func (s *WebSocketPushService) sendToConnection(conn *Connection, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case conn.Send <- data:
	default:
		s.log.WithField("conn_id", conn.ID).Warn("⚠️ [Push] Send buffer full")
	}
}

// HandleWebSocket upgrades the request and subscribes it to handle.
func (s *WebSocketPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request, handle string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("❌ [Push] WebSocket upgrade failed")
		return
	}
	conn := &Connection{
		ID:       uuid.NewString(),
		Handle:   normalizeHandle(handle),
		Conn:     ws,
		Send:     make(chan []byte, pushSendBuffer),
		LastPing: time.Now(),
	}

	select {
	case s.register <- conn:
	case <-s.done:
		_ = ws.Close()
		return
	}
	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *WebSocketPushService) writePump(conn *Connection) {
	ticker := time.NewTicker(pushPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if !ok {
				_ = conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketPushService) readPump(conn *Connection) {
	defer func() {
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
		_ = conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	_ = conn.Conn.SetReadDeadline(time.Now().Add(pushPongTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(pushPongTimeout))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("[Push] WebSocket read error")
			}
			return
		}
	}
}

// GetActiveConnections returns the number of open subscribers.
func (s *WebSocketPushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// GetHandleConnections returns the number of subscribers for handle.
func (s *WebSocketPushService) GetHandleConnections(handle string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.handleConns[normalizeHandle(handle)])
}
