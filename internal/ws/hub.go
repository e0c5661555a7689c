package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans event payloads out to every subscriber. A single goroutine owns
// the subscriber set, so registration and broadcast never race.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
}

// NewHub creates a Hub with its fan-out loop running.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unreg:
			delete(h.clients, client)
		case payload := <-h.broadcast:
			for client := range h.clients {
				if err := client.Send(payload); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}

// Register adds a subscriber to the event stream.
func (h *Hub) Register(client Subscriber) {
	h.register <- client
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(client Subscriber) {
	h.unreg <- client
}

// Broadcast sends the payload to every subscriber. Subscribers whose send
// fails are closed and dropped.
func (h *Hub) Broadcast(payload []byte) {
	h.broadcast <- payload
}
