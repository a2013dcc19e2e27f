package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

type frame struct {
	messageType int
	data        []byte
}

// transport queues outbound frames for writePump. None of its methods block.
type transport struct {
	conn *websocket.Conn
	send chan frame
	done chan struct{}
	once sync.Once
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{
		conn: conn,
		send: make(chan frame, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (t *transport) enqueue(f frame) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	select {
	case t.send <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *transport) Send(data []byte) error {
	return t.enqueue(frame{messageType: websocket.TextMessage, data: data})
}

func (t *transport) Ping() error {
	return t.enqueue(frame{messageType: websocket.PingMessage})
}

// Close sends a close frame after any queued messages; writePump closes the
// connection once it is written.
func (t *transport) Close(code int, reason string) error {
	return t.enqueue(frame{
		messageType: websocket.CloseMessage,
		data:        websocket.FormatCloseMessage(code, reason),
	})
}

// Terminate drops the connection without a closing handshake.
func (t *transport) Terminate() error {
	t.stop()
	return t.conn.Close()
}

func (t *transport) stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *transport) writePump() {
	defer func() {
		t.stop()
		t.conn.Close()
	}()

	for {
		select {
		case f := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
			if f.messageType == websocket.CloseMessage {
				return
			}
		case <-t.done:
			return
		}
	}
}
