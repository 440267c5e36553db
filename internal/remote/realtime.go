package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// reconnectDelay paces realtime reconnect attempts after a dropped socket.
const reconnectDelay = 5 * time.Second

// realtimeMessage is the wire envelope for realtime traffic in both
// directions.
type realtimeMessage struct {
	Action string          `json:"action"`          // subscribe, unsubscribe, event
	Topic  string          `json:"topic,omitempty"` // collection or collection/recordId
	Record json.RawMessage `json:"record,omitempty"`
}

// Subscribe opens (or reuses) the realtime socket and registers fn for the
// topic. Events arrive on the connection's read loop; the returned cancel
// func removes the subscription and closes the socket once no topics remain.
func (c *HTTPClient) Subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	if c.rt == nil {
		rt, err := c.dialRealtime(ctx)
		if err != nil {
			return nil, err
		}
		c.rt = rt
	}
	return c.rt.add(topic, fn), nil
}

// realtimeConn multiplexes topic subscriptions over one WebSocket.
type realtimeConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string][]*subscription
	closed bool
	owner  *HTTPClient
}

type subscription struct {
	topic string
	fn    func(Event)
}

func (c *HTTPClient) dialRealtime(ctx context.Context) (*realtimeConn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/realtime"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime socket: %w", err)
	}

	rt := &realtimeConn{
		conn:  conn,
		subs:  make(map[string][]*subscription),
		owner: c,
	}
	go rt.readLoop(ctx)
	return rt, nil
}

func (rt *realtimeConn) add(topic string, fn func(Event)) func() {
	rt.mu.Lock()
	sub := &subscription{topic: topic, fn: fn}
	first := len(rt.subs[topic]) == 0
	rt.subs[topic] = append(rt.subs[topic], sub)
	conn := rt.conn
	rt.mu.Unlock()

	if first && conn != nil {
		rt.send(realtimeMessage{Action: "subscribe", Topic: topic})
	}

	return func() { rt.remove(sub) }
}

func (rt *realtimeConn) remove(sub *subscription) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	list := rt.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			rt.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(rt.subs[sub.topic]) == 0 {
		delete(rt.subs, sub.topic)
		if rt.conn != nil {
			go rt.send(realtimeMessage{Action: "unsubscribe", Topic: sub.topic})
		}
	}
	if len(rt.subs) == 0 && rt.conn != nil && !rt.closed {
		rt.closed = true
		_ = rt.conn.Close(websocket.StatusNormalClosure, "no subscriptions")
		rt.owner.dropRealtime(rt)
	}
}

func (rt *realtimeConn) send(msg realtimeMessage) {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		rt.owner.logger.Printf("WARNING: realtime write failed: %v", err)
	}
}

// readLoop dispatches incoming events and reconnects on socket loss until
// ctx is cancelled or every subscription is gone.
func (rt *realtimeConn) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn, closed := rt.conn, rt.closed
		rt.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || rt.isClosed() {
				return
			}
			rt.owner.logger.Printf("Realtime socket lost, reconnecting: %v", err)
			if !rt.reconnect(ctx) {
				return
			}
			continue
		}

		var msg realtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rt.owner.logger.Printf("WARNING: malformed realtime message: %v", err)
			continue
		}
		rt.dispatch(msg)
	}
}

func (rt *realtimeConn) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

func (rt *realtimeConn) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reconnectDelay):
		}

		next, err := rt.owner.dialRaw(ctx)
		if err != nil {
			continue
		}

		rt.mu.Lock()
		rt.conn = next
		topics := make([]string, 0, len(rt.subs))
		for topic := range rt.subs {
			topics = append(topics, topic)
		}
		rt.mu.Unlock()

		for _, topic := range topics {
			rt.send(realtimeMessage{Action: "subscribe", Topic: topic})
		}
		return true
	}
}

func (rt *realtimeConn) dispatch(msg realtimeMessage) {
	var event Event
	if len(msg.Record) > 0 {
		if err := json.Unmarshal(msg.Record, &event.Record); err != nil {
			rt.owner.logger.Printf("WARNING: malformed realtime record: %v", err)
			return
		}
	}
	event.Action = msg.Action

	rt.mu.Lock()
	var fns []func(Event)
	for topic, subs := range rt.subs {
		if topicMatches(topic, msg.Topic) {
			for _, s := range subs {
				fns = append(fns, s.fn)
			}
		}
	}
	rt.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// topicMatches accepts exact topics plus collection-level subscriptions
// receiving record-level events.
func topicMatches(subscribed, incoming string) bool {
	if subscribed == incoming {
		return true
	}
	return !strings.Contains(subscribed, "/") && strings.HasPrefix(incoming, subscribed+"/")
}

func (c *HTTPClient) dialRaw(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/realtime"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *HTTPClient) dropRealtime(rt *realtimeConn) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	if c.rt == rt {
		c.rt = nil
	}
}
