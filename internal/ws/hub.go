// Package ws streams alerts to websocket clients.
package ws

import "sync"

// AllFields is the subscription key that receives every field's alerts.
const AllFields = "*"

// sendBuffer is how many payloads may queue for one client before it is dropped.
const sendBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by field ID. Each client gets its own queue
// and writer goroutine; a client whose queue is full is closed and dropped so a
// stalled peer never blocks Broadcast.
type Hub struct {
	clients   map[string]map[Subscriber]*peer
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with field identifier.
type message struct {
	fieldID string
	payload []byte
}

// subscription defines register/unregister requests. peer is set when a
// writer reports its own failure, so a newer registration is left alone.
type subscription struct {
	fieldID string
	client  Subscriber
	peer    *peer
}

// peer is one registered client and its outbound queue.
type peer struct {
	client Subscriber
	out    chan []byte
	quit   chan struct{}
}

func (h *Hub) newPeer(fieldID string, client Subscriber) *peer {
	p := &peer{client: client, out: make(chan []byte, sendBuffer), quit: make(chan struct{})}
	go h.write(fieldID, p)
	return p
}

// write drains the peer's queue until it is stopped or a send fails.
func (h *Hub) write(fieldID string, p *peer) {
	for {
		select {
		case <-p.quit:
			return
		case payload := <-p.out:
			select {
			case <-p.quit:
				return
			default:
			}
			if err := p.client.Send(payload); err != nil {
				p.client.Close()
				select {
				case h.unreg <- subscription{fieldID: fieldID, client: p.client, peer: p}:
				case <-p.quit:
				case <-h.done:
				}
				return
			}
		}
	}
}

func (p *peer) stop() { close(p.quit) }

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*peer),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c, p := range clients {
					p.stop()
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			clients, ok := h.clients[sub.fieldID]
			if !ok {
				clients = make(map[Subscriber]*peer)
				h.clients[sub.fieldID] = clients
			}
			if old, dup := clients[sub.client]; dup {
				old.stop()
			}
			clients[sub.client] = h.newPeer(sub.fieldID, sub.client)
		case sub := <-h.unreg:
			if sub.peer != nil && h.clients[sub.fieldID][sub.client] != sub.peer {
				continue
			}
			h.drop(sub.fieldID, sub.client)
		case msg := <-h.broadcast:
			h.send(msg.fieldID, msg.payload)
			if msg.fieldID != AllFields {
				h.send(AllFields, msg.payload)
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

func (h *Hub) send(fieldID string, payload []byte) {
	for c, p := range h.clients[fieldID] {
		select {
		case p.out <- payload:
		default:
			c.Close()
			h.drop(fieldID, c)
		}
	}
}

func (h *Hub) drop(fieldID string, client Subscriber) {
	if clients, ok := h.clients[fieldID]; ok {
		if p, ok := clients[client]; ok {
			p.stop()
		}
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, fieldID)
		}
	}
}

// Register adds a client to a field stream; AllFields subscribes to everything.
func (h *Hub) Register(fieldID string, client Subscriber) {
	select {
	case h.register <- subscription{fieldID: fieldID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(fieldID string, client Subscriber) {
	select {
	case h.unreg <- subscription{fieldID: fieldID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the field's clients and to AllFields subscribers.
func (h *Hub) Broadcast(fieldID string, payload []byte) {
	select {
	case h.broadcast <- message{fieldID: fieldID, payload: payload}:
	case <-h.done:
	}
}

// Clients reports the number of live subscriptions.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
