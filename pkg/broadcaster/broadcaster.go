package broadcaster

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowtrace/pkg/batcher"
)

// Broadcaster fans stream events out to a set of WebSocket subscribers.
// Registration, unregistration and delivery all run on the Run goroutine.
type Broadcaster struct {
	logger       *zap.Logger
	clients      map[*websocket.Conn]bool
	broadcastCh  chan []byte
	registerCh   chan *websocket.Conn
	unregisterCh chan *websocket.Conn
	batcher      *batcher.MessageBatcher
}

// New creates a broadcaster with batched delivery.
func New(logger *zap.Logger) *Broadcaster {
	b := &Broadcaster{
		logger:       logger.Named("broadcaster"),
		clients:      make(map[*websocket.Conn]bool),
		broadcastCh:  make(chan []byte, 1024),
		registerCh:   make(chan *websocket.Conn, 100),
		unregisterCh: make(chan *websocket.Conn, 100),
		batcher:      batcher.New(logger, 50, 100*time.Millisecond, 64<<10),
	}
	go func() {
		for data := range b.batcher.Output() {
			select {
			case b.broadcastCh <- data:
			default:
				b.logger.Warn("broadcast channel full, dropping batch")
			}
		}
	}()
	return b
}

// Run is the broadcaster's event loop; launch it on its own goroutine.
func (b *Broadcaster) Run() {
	for {
		select {
		case client := <-b.registerCh:
			b.clients[client] = true
			b.logger.Info("subscriber registered",
				zap.String("remote", client.RemoteAddr().String()))

		case client := <-b.unregisterCh:
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				client.Close()
				b.logger.Info("subscriber unregistered",
					zap.String("remote", client.RemoteAddr().String()))
			}

		case message := <-b.broadcastCh:
			for client := range b.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					b.logger.Warn("subscriber write failed, dropping",
						zap.String("remote", client.RemoteAddr().String()),
						zap.Error(err))
					delete(b.clients, client)
					client.Close()
				}
			}
		}
	}
}

// Register adds a subscriber.
func (b *Broadcaster) Register(client *websocket.Conn) {
	b.registerCh <- client
}

// Unregister removes a subscriber and closes it.
func (b *Broadcaster) Unregister(client *websocket.Conn) {
	b.unregisterCh <- client
}

// Broadcast queues one serialized event for all subscribers.
func (b *Broadcaster) Broadcast(message []byte) {
	b.batcher.Add(message)
}
