package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// keepaliveInterval spaces websocket-level pings.
	keepaliveInterval = 30 * time.Second
	// rttProbeInterval spaces the application-level text "ping" probes.
	rttProbeInterval = 2 * time.Second
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// rttPing and rttPong are bare text frames outside the tagged
	// protocol, used purely for round-trip measurement. They must never
	// reach the JSON decoder.
	rttPing = "ping"
	rttPong = "pong"
)

// Client is one persistent connection to the relay server.
//
// A write pump drains the outgoing queue and issues keepalive and RTT
// probes; a read pump decodes inbound frames. Either pump ending - send
// failure or stream closure - ends the whole session: Recv and RTT close,
// and the engine treats that as loss of the call. No reconnection is
// attempted here.
type Client struct {
	conn *websocket.Conn

	send chan Message
	recv chan Message
	rtt  chan time.Duration

	// lastPing is the unix-nano send time of the most recent RTT probe.
	lastPing atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the relay server and starts both pumps.
func Connect(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      url,
	}).Info("Signaling connection established")

	c := &Client{
		conn: conn,
		send: make(chan Message, 64),
		recv: make(chan Message, 64),
		rtt:  make(chan time.Duration, 8),
		done: make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

// Send queues an outgoing message. The channel is drained by the write
// pump until the session ends.
func (c *Client) Send() chan<- Message {
	return c.send
}

// Recv delivers inbound protocol messages. Closed when the session ends.
func (c *Client) Recv() <-chan Message {
	return c.recv
}

// RTT delivers round-trip-time samples. Closed when the session ends.
func (c *Client) RTT() <-chan time.Duration {
	return c.rtt
}

// Close tears the connection down. Idempotent; both pumps observe the
// closed socket and exit.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	keepalive := time.NewTicker(keepaliveInterval)
	probe := time.NewTicker(rttProbeInterval)
	defer func() {
		keepalive.Stop()
		probe.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.writePump",
					"type":     msg.Type,
					"error":    err.Error(),
				}).Error("Failed to serialize outgoing signal")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.writePump",
					"error":    err.Error(),
				}).Warn("Signaling send failed, connection closed")
				return
			}

		case <-probe.C:
			c.lastPing.Store(time.Now().UnixNano())
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(rttPing)); err != nil {
				return
			}

		case <-keepalive.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.recv)
		close(c.rtt)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readPump",
					"error":    err.Error(),
				}).Warn("Signaling read failed")
			} else {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readPump",
				}).Info("Signaling connection closed")
			}
			return
		}

		if string(data) == rttPong {
			// Swap so a duplicate or unsolicited pong cannot produce a
			// second, spuriously shrinking sample for the same probe.
			if sent := c.lastPing.Swap(0); sent != 0 {
				sample := time.Since(time.Unix(0, sent))
				select {
				case c.rtt <- sample:
				default:
				}
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.readPump",
				"error":    err.Error(),
				"raw":      string(data),
			}).Warn("Failed to parse incoming signal, dropped")
			continue
		}

		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}
