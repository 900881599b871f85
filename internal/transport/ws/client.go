package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/lock"
)

// Client is a remote participant's connection. It implements lock.Link, so a lock.Coordinator
// can send claims through it; verdicts arrive on Events and must be handed to the same
// coordinator with Deliver.
type Client struct {
	conn    *websocket.Conn
	Welcome protocol.WelcomeMsg

	wmu sync.Mutex

	events  chan lock.Event
	msgs    chan []byte
	done    chan struct{}
	closing chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects, sends HELLO and waits for WELCOME. token may be empty.
func Dial(ctx context.Context, url, name, token string) (*Client, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ParticipantName: name,
	}
	if token != "" {
		hello.Auth = &protocol.HelloAuth{Token: token}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch base.Type {
	case protocol.TypeWelcome:
	case protocol.TypeResult:
		var r protocol.ResultMsg
		_ = json.Unmarshal(msg, &r)
		_ = conn.Close()
		return nil, fmt.Errorf("join refused: %s %s", r.Code, r.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %s", base.Type)
	}

	c := &Client{
		conn:   conn,
		events:  make(chan lock.Event, 1024),
		msgs:    make(chan []byte, 256),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	if err := json.Unmarshal(msg, &c.Welcome); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ParticipantID() string { return c.Welcome.ParticipantID }

// Events yields lock verdicts in the order the host published them.
func (c *Client) Events() <-chan lock.Event { return c.events }

// Messages yields every other server message (NODE_CONFIG, RESULT, STATE). A slow reader
// loses the oldest.
func (c *Client) Messages() <-chan []byte { return c.msgs }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Deliver hands every verdict received so far to coord. Call it from the goroutine that owns
// coord, before polling.
func (c *Client) Deliver(coord *lock.Coordinator) {
	for {
		select {
		case ev := <-c.events:
			coord.Deliver(ev)
		default:
			return
		}
	}
}

func (c *Client) Claim(node lock.NodeID, requester string) {
	c.sendLock(protocol.LockClaim, node)
}

func (c *Client) Release(node lock.NodeID, requester string) {
	c.sendLock(protocol.LockRelease, node)
}

func (c *Client) sendLock(op string, node lock.NodeID) {
	c.setErr(c.write(protocol.LockMsg{
		Type:            protocol.TypeLock,
		ProtocolVersion: protocol.Version,
		Op:              op,
		NodeID:          string(node),
	}))
}

// Act sends one ACT with the given intents.
func (c *Client) Act(id string, intents ...protocol.Intent) error {
	return c.write(protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Intents:         intents,
	})
}

// Err reports the first failed lock send or read error.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.closing) })
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_ = c.conn.SetReadDeadline(time.Time{})
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.Type != protocol.TypeLockEvent {
			pushLatest(c.msgs, msg)
			continue
		}
		var m protocol.LockEventMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}
		v, err := lock.ParseVerdict(m.Verdict)
		if err != nil {
			continue
		}
		// Verdicts are never dropped; a reader that stops delivering stalls the connection until
		// Close.
		ev := lock.Event{Node: lock.NodeID(m.NodeID), Verdict: v, Requester: m.Requester, Holder: m.Holder, Tick: m.Tick}
		select {
		case c.events <- ev:
		case <-c.closing:
			c.setErr(fmt.Errorf("closed with undelivered lock events"))
			return
		}
	}
}

func pushLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
