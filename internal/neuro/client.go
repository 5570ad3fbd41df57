// Package neuro speaks the Neuro SDK game protocol over a websocket.
package neuro

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiliankoe/neuroquip/internal/decision"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed            = errors.New("neuro connection closed")
	ErrShutdownRequested = errors.New("neuro requested shutdown")
)

const writeWait = 10 * time.Second

// Client is a decision.Agent backed by a Neuro SDK websocket.
type Client struct {
	game string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	handler    decision.Handler
	registered []decision.Action
	closed     bool
}

var _ decision.Agent = (*Client)(nil)

// Dial connects to url and announces game with a startup message.
func Dial(ctx context.Context, url, game string, handshake time.Duration) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := &Client{game: game, conn: conn}
	if err := c.send(ctx, cmdStartup, nil); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "startup")
	}
	log.Info().Str("url", url).Str("game", game).Msg("connected to neuro")
	return c, nil
}

func (c *Client) SetHandler(h decision.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) RegisterActions(ctx context.Context, actions []decision.Action) error {
	c.mu.Lock()
	for _, a := range actions {
		c.registered = upsert(c.registered, a)
	}
	c.mu.Unlock()
	return c.send(ctx, cmdRegister, registerData{Actions: actions})
}

func (c *Client) UnregisterActions(ctx context.Context, names []string) error {
	c.mu.Lock()
	for _, n := range names {
		c.registered = remove(c.registered, n)
	}
	c.mu.Unlock()
	return c.send(ctx, cmdUnregister, unregisterData{ActionNames: names})
}

func (c *Client) ForceActions(ctx context.Context, f decision.Force) error {
	return c.send(ctx, cmdForce, f)
}

func (c *Client) SendResult(ctx context.Context, id string, success bool, message string) error {
	return c.send(ctx, cmdResult, resultData{ID: id, Success: success, Message: message})
}

func (c *Client) SendContext(ctx context.Context, message string, silent bool) error {
	return c.send(ctx, cmdContext, contextData{Message: message, Silent: silent})
}

// Run reads frames until ctx is done or the connection fails. Action frames
// are handed to the handler on this goroutine.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return errors.Wrap(err, "neuro read")
		}
		if err := c.dispatch(ctx, raw); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, raw []byte) error {
	var msg incoming
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("neuro sent malformed frame")
		return nil
	}
	switch msg.Command {
	case cmdAction:
		var a actionData
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			log.Warn().Err(err).Msg("neuro sent malformed action")
			return nil
		}
		inv := decision.Invocation{ID: a.ID, Name: a.Name}
		if a.Data != nil {
			inv.Data = *a.Data
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			return c.SendResult(ctx, a.ID, false, "No handler is installed.")
		}
		h(ctx, inv)
	case cmdReregisterAll:
		c.mu.Lock()
		actions := append([]decision.Action(nil), c.registered...)
		c.mu.Unlock()
		if len(actions) > 0 {
			return c.send(ctx, cmdRegister, registerData{Actions: actions})
		}
	case cmdShutdownRequest:
		var d struct {
			WantsShutdown bool `json:"wants_shutdown"`
		}
		_ = json.Unmarshal(msg.Data, &d)
		if d.WantsShutdown {
			log.Info().Msg("neuro asked the game to shut down")
			return ErrShutdownRequested
		}
	default:
		log.Debug().Str("command", msg.Command).Msg("ignoring neuro command")
	}
	return nil
}

func (c *Client) send(ctx context.Context, command string, data any) error {
	b, err := json.Marshal(outgoing{Command: command, Game: c.game, Data: data})
	if err != nil {
		return errors.Wrapf(err, "marshal %s", command)
	}
	if c.isClosed() {
		return ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrapf(err, "send %s", command)
	}
	log.Debug().Str("command", command).Msg("sent to neuro")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a close frame and drops the connection. It is safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func upsert(actions []decision.Action, a decision.Action) []decision.Action {
	for i := range actions {
		if actions[i].Name == a.Name {
			actions[i] = a
			return actions
		}
	}
	return append(actions, a)
}

func remove(actions []decision.Action, name string) []decision.Action {
	out := actions[:0]
	for _, a := range actions {
		if a.Name != name {
			out = append(out, a)
		}
	}
	return out
}
