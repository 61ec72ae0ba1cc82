package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// fakeConn is an in-memory wsConnection double: ReadMessage drains an inbound
// queue, WriteMessage appends to an outbound log, so Session's pumps can be
// exercised without a real socket.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan fakeRead
	outbound []fakeWrite
	closed   bool
}

type fakeRead struct {
	messageType int
	data        []byte
	err         error
}

type fakeWrite struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan fakeRead, 16)}
}

func (c *fakeConn) pushText(data []byte) {
	c.inbound <- fakeRead{messageType: websocket.TextMessage, data: data}
}

func (c *fakeConn) pushBinary(data []byte) {
	c.inbound <- fakeRead{messageType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) pushClose() {
	c.inbound <- fakeRead{err: errors.New("connection closed")}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	r, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return r.messageType, r.data, r.err
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	cp := append([]byte(nil), data...)
	c.outbound = append(c.outbound, fakeWrite{messageType: messageType, data: cp})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(limit int64)           {}
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) writes() []fakeWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeWrite, len(c.outbound))
	copy(out, c.outbound)
	return out
}

// fakeRouter records every frame routed to it and every session that left.
type fakeRouter struct {
	mu     sync.Mutex
	routed []types.Frame
	left   []types.SessionID
}

func (r *fakeRouter) Route(ctx context.Context, sess types.ClientSession, frame types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, frame)
}

func (r *fakeRouter) Leave(sess types.ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, sess.ID())
}

func (r *fakeRouter) routedFrames() []types.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Frame, len(r.routed))
	copy(out, r.routed)
	return out
}

func (r *fakeRouter) leftSessions() []types.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SessionID, len(r.left))
	copy(out, r.left)
	return out
}
