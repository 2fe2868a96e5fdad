package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/precondition/yomitan/channel"
	"github.com/precondition/yomitan/host"
)

// wsPort is a channel.Port over one websocket connection.
type wsPort struct {
	id           string
	desc         channel.Descriptor
	sender       host.Sender
	conn         *websocket.Conn
	msgType      int
	writeTimeout time.Duration

	writeMu   sync.Mutex
	in        chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newPort(conn *websocket.Conn, desc channel.Descriptor, sender host.Sender, writeTimeout time.Duration) *wsPort {
	id := desc.ID
	if id == "" {
		id = channel.NewID()
	}
	msgType := websocket.TextMessage
	if desc.Codec == channel.CodecCBOR {
		msgType = websocket.BinaryMessage
	}
	p := &wsPort{
		id:           id,
		desc:         desc,
		sender:       sender,
		conn:         conn,
		msgType:      msgType,
		writeTimeout: writeTimeout,
		in:           make(chan []byte, 16),
		done:         make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *wsPort) ID() string                     { return p.id }
func (p *wsPort) Descriptor() channel.Descriptor { return p.desc }
func (p *wsPort) Sender() host.Sender            { return p.sender }
func (p *wsPort) Done() <-chan struct{}          { return p.done }

func (p *wsPort) readLoop() {
	defer p.Close()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.in <- data:
		case <-p.done:
			return
		}
	}
}

func (p *wsPort) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.done:
		return channel.ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(p.msgType, msg); err != nil {
		p.Close()
		return fmt.Errorf("%w: %v", channel.ErrClosed, err)
	}
	return nil
}

func (p *wsPort) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, channel.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *wsPort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = p.conn.Close()
	})
	return nil
}
