// Package hub tracks live realtime connections of the development backend and
// the rooms (conversations, posts) they have joined.
package hub

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ConversationRoom names the room of a conversation.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// PostRoom names the room of a post's comment thread.
func PostRoom(postID string) string {
	return "post:" + postID
}

// Client is one connection's membership record and outbound queue.
type Client struct {
	ActorID string
	send    chan []byte
	rooms   map[string]struct{}
}

// NewClient creates a client whose queue holds up to buffer frames.
func NewClient(actorID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 32
	}
	return &Client{
		ActorID: actorID,
		send:    make(chan []byte, buffer),
		rooms:   make(map[string]struct{}),
	}
}

// Outbound is drained by the connection's writer.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Enqueue queues a frame without blocking and reports whether it fit.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Hub is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	log     zerolog.Logger
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		log:     logger.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = struct{}{}
	h.log.Debug().Str("actor_id", client.ActorID).Msg("realtime client connected")
}

// Unregister drops the client from the hub and every room it joined.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	delete(h.clients, client)
	h.log.Debug().Str("actor_id", client.ActorID).Msg("realtime client disconnected")
}

func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// Member reports whether client has joined room.
func (h *Hub) Member(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][client]
	return ok
}

// Broadcast queues frame for every member of room except skip (which may be
// nil). Slow clients lose the frame. It returns the number of clients reached.
func (h *Hub) Broadcast(room string, frame []byte, skip *Client) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.rooms[room] {
		if client == skip {
			continue
		}
		if client.Enqueue(frame) {
			delivered++
			continue
		}
		h.log.Warn().Str("room", room).Str("actor_id", client.ActorID).Msg("dropping realtime frame for slow client")
	}
	return delivered
}

// Actors lists the distinct actors present in room, sorted.
func (h *Hub) Actors(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for client := range h.rooms[room] {
		if client.ActorID != "" {
			seen[client.ActorID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for actor := range seen {
		out = append(out, actor)
	}
	sort.Strings(out)
	return out
}

// Connections counts registered clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
