// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flatmax/jrpc-oo"
	"github.com/gorilla/websocket"
)

// WebSocket constructs a channel that exchanges packets over a WebSocket
// connection. Each packet is carried in a single binary message.
func WebSocket(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// A WSChannel sends and receives packets as WebSocket messages.
type WSChannel struct {
	conn *websocket.Conn

	μ      sync.Mutex // serializes Send
	closed bool
}

// Send implements a method of the [jrpc.Channel] interface.
func (c *WSChannel) Send(pkt *jrpc.Packet) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode())
}

// Recv implements a method of the [jrpc.Channel] interface. A text message,
// or a message holding other than exactly one packet, is an error.
func (c *WSChannel) Recv() (*jrpc.Packet, error) {
	mtype, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, net.ErrClosed
		}
		c.μ.Lock()
		closed := c.closed
		c.μ.Unlock()
		if closed {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if mtype != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected message type %d", mtype)
	}
	var pkt jrpc.Packet
	r := bytes.NewReader(data)
	if _, err := pkt.ReadFrom(r); err != nil {
		return nil, err
	} else if r.Len() != 0 {
		return nil, errors.New("extra data after packet")
	}
	return &pkt, nil
}

// Close implements a method of the [jrpc.Channel] interface. It sends a close
// message to the remote if possible, then closes the connection.
func (c *WSChannel) Close() error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return net.ErrClosed
	}
	c.closed = true
	c.μ.Unlock()

	// WriteControl may be called concurrently with a pending Send.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	return c.conn.Close()
}

// closeGrace bounds the time Close waits to deliver a close message.
const closeGrace = time.Second
