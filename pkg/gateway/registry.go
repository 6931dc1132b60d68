package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single websocket write so one stalled client
// cannot block the broadcast fan-out.
const writeTimeout = 10 * time.Second

// Client is one websocket subscriber. Writes go through send, which
// serializes them; gorilla connections allow only one writer at a time.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	challenge     string
	authAttempts  int
	lastActivity  time.Time
}

func newClient(id string, conn *websocket.Conn, remoteAddr string) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		conn:         conn,
		lastActivity: now,
	}
}

// send writes one JSON frame under the client's write lock.
func (c *Client) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// sendClose delivers a close frame; best effort before tearing down.
func (c *Client) sendClose(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) setChallenge(challenge string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenge = challenge
}

func (c *Client) getChallenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge
}

// markAuthenticated flips the client into the subscriber state and
// discards the challenge so it cannot be replayed.
func (c *Client) markAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.challenge = ""
	c.authAttempts = 0
}

// failAuth counts a bad signature and reports the total so far.
func (c *Client) failAuth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authAttempts++
	return c.authAttempts
}

// Authenticated reports whether the client passed the challenge.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		RemoteAddr:    c.RemoteAddr,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
	}
}

// ClientRegistry tracks connected websocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// All returns every connected client.
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Authenticated returns the clients eligible for the event stream.
func (r *ClientRegistry) Authenticated() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.Authenticated() {
			clients = append(clients, client)
		}
	}
	return clients
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Touch records client activity.
func (r *ClientRegistry) Touch(id string) {
	r.mu.RLock()
	client, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		client.touch()
	}
}

// Infos snapshots all clients for the status surface.
func (r *ClientRegistry) Infos() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, client.info())
	}
	return infos
}
