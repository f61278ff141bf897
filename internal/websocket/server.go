package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skybrief/turbcast/pkg/logger"
)

// Message types pushed to connected map clients
const (
	MessageTypeTimesUpdated = "times_updated" // a layer's default forecast token changed
	MessageTypeSubscribe    = "subscribe"     // client narrows which layers it wants events for
)

// Message represents a WebSocket message
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Client represents one connected map frontend
type Client struct {
	conn   *websocket.Conn
	send   chan *Message
	server *Server
	mu     sync.Mutex
	closed bool

	// Layer ids this client wants events for; empty means all layers
	layers map[string]bool
}

// subscribedTo reports whether the client wants events for a layer
func (c *Client) subscribedTo(layerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.layers) == 0 {
		return true
	}
	return c.layers[layerID]
}

// Server broadcasts forecast index updates to connected clients
type Server struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewServer creates a new WebSocket server
func NewServer(log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 16),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		logger: log.Named("web-socket"),
	}
}

// Run starts the WebSocket server loop
func (s *Server) Run() {
	s.logger.Info("Starting WebSocket server")

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int("client_count", clientCount))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.mu.Lock()
				client.closed = true
				client.mu.Unlock()
				close(client.send)
			}
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client unregistered", logger.Int("client_count", clientCount))

		case message := <-s.broadcast:
			s.dispatch(message)
		}
	}
}

// dispatch fans one message out to all interested clients, dropping any whose
// send buffer is full
func (s *Server) dispatch(message *Message) {
	layerID, _ := message.Data["layer_id"].(string)

	s.mu.RLock()
	clientsToRemove := make([]*Client, 0)
	for client := range s.clients {
		client.mu.Lock()
		closed := client.closed
		client.mu.Unlock()
		if closed {
			clientsToRemove = append(clientsToRemove, client)
			continue
		}

		if layerID != "" && !client.subscribedTo(layerID) {
			continue
		}

		select {
		case client.send <- message:
		default:
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	s.mu.RUnlock()

	if len(clientsToRemove) > 0 {
		s.mu.Lock()
		for _, client := range clientsToRemove {
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.mu.Lock()
				if !client.closed {
					client.closed = true
					close(client.send)
				}
				client.mu.Unlock()
			}
		}
		s.mu.Unlock()
	}
}

// HandleConnection upgrades an HTTP request and starts the client pumps
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Handling new WebSocket connection request",
		logger.String("remote_addr", r.RemoteAddr))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan *Message, 64),
		server: s,
		layers: make(map[string]bool),
	}

	s.register <- client

	go client.readPump()
	go client.writePump()
}

// BroadcastTimesUpdated notifies clients that a layer's default forecast
// token changed. Implements turbulence.EventBroadcaster.
func (s *Server) BroadcastTimesUpdated(layerID, defaultDate, defaultToken string) {
	s.logger.Debug("Broadcasting times update",
		logger.String("layer", layerID),
		logger.String("default_token", defaultToken))

	s.broadcast <- &Message{
		Type: MessageTypeTimesUpdated,
		Data: map[string]any{
			"layer_id":      layerID,
			"default_date":  defaultDate,
			"default_token": defaultToken,
		},
	}
}

// readPump consumes client messages; the only understood type is subscribe
func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
		}
		c.mu.Unlock()

		c.server.unregister <- c
		c.conn.Close()
	}()

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			break
		}

		var message Message
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.server.logger.Error("Failed to parse WebSocket message", logger.Error(err))
			continue
		}

		if message.Type == MessageTypeSubscribe {
			c.applySubscription(message.Data)
		}
	}
}

// applySubscription replaces the client's layer filter
func (c *Client) applySubscription(data map[string]any) {
	raw, _ := data["layers"].([]any)

	layers := make(map[string]bool, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			layers[id] = true
		}
	}

	c.mu.Lock()
	c.layers = layers
	c.mu.Unlock()

	c.server.logger.Debug("Client subscription updated",
		logger.Int("layers", len(layers)))
}

// writePump writes queued messages to the connection
func (c *Client) writePump() {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
		}
		c.mu.Unlock()
		c.conn.Close()
	}()

	for message := range c.send {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.conn.WriteJSON(message); err != nil {
			c.server.logger.Error("WebSocket write error", logger.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
