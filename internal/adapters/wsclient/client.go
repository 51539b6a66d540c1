// Package wsclient connects a mesh peer to the signaling hub.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const ClientTokenHeader = "X-Client-Token"

var (
	ErrClosed    = errors.New("signaling connection closed")
	ErrHubRefuse = errors.New("hub refused request")
)

type Options struct {
	URL   string
	Token string
	Codec string
	Room  domain.RoomName
	// Self is sent with the join frame.
	Self domain.Member

	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendQueue    int
}

func (o Options) withDefaults() Options {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.Room == "" {
		o.Room = domain.DefaultRoom
	}
	return o
}

// Client is a core.SignalingTransport over one websocket.
type Client struct {
	opts   Options
	codec  wire.Codec
	conn   *websocket.Conn
	send   chan wire.Frame
	logger zerolog.Logger

	presence  *presence
	broadcast *broadcast

	mu      sync.Mutex
	joined  bool
	waiters []chan syncReply
	onLeft  []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
	err    error
}

type syncReply struct {
	members []domain.Member
	err     error
}

// Dial opens the websocket and starts the pumps. The room is joined by the
// first Presence().Sync call.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	codec, err := wire.CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("codec", codec.Name())
	u.RawQuery = q.Encode()

	header := http.Header{}
	if opts.Token != "" {
		header.Set(ClientTokenHeader, opts.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		opts:   opts,
		codec:  codec,
		conn:   conn,
		send:   make(chan wire.Frame, opts.SendQueue),
		logger: log.With().Str("module", "wsclient").Str("room", string(opts.Room)).Logger(),
	}
	c.presence = &presence{client: c, handlers: make(map[core.PresenceKind][]func(domain.Member))}
	c.broadcast = &broadcast{client: c, handlers: make(map[domain.SignalEvent][]func(domain.Signal))}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Go(c.writePump)
	c.wg.Go(c.readPump)
	c.logger.Info().Str("url", u.Redacted()).Str("codec", codec.Name()).Msg("connected")
	return c, nil
}

func (c *Client) Presence() core.Presence   { return c.presence }
func (c *Client) Broadcast() core.Broadcast { return c.broadcast }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnLeft registers fn for the hub's left frame, sent after a leave request
// or when the room is evicted.
func (c *Client) OnLeft(fn func()) {
	c.mu.Lock()
	c.onLeft = append(c.onLeft, fn)
	c.mu.Unlock()
}

// Leave asks the hub to take this peer out of the room.
func (c *Client) Leave(ctx context.Context) error {
	return c.enqueue(ctx, wire.Frame{Type: wire.TypeLeave})
}

// Close ends the connection and waits for the pumps to exit.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()
		for _, w := range waiters {
			w <- syncReply{err: ErrClosed}
		}
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		_ = c.conn.Close()
		if err != nil {
			c.logger.Warn().Err(err).Msg("connection lost")
		} else {
			c.logger.Info().Msg("connection closed")
		}
	})
}

func (c *Client) enqueue(ctx context.Context, f wire.Frame) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case f := <-c.send:
			data, err := c.codec.Marshal(f)
			if err != nil {
				c.logger.Error().Err(err).Str("type", f.Type).Msg("marshal frame")
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(err)
				return
			}
			if err := c.conn.WriteMessage(c.codec.MessageType(), data); err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				c.shutdown(nil)
			default:
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
		var f wire.Frame
		if err := c.codec.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.TypeRoomState:
		c.resolveSync(syncReply{members: f.Members})
	case wire.TypeMemberJoined:
		c.presence.emit(core.PresenceJoin, f.Member)
	case wire.TypeMemberLeft:
		c.presence.emit(core.PresenceLeave, f.Member)
	case wire.TypeMemberUpdated:
		c.presence.emit(core.PresenceUpdate, f.Member)
	case wire.TypeBroadcast:
		if f.Signal != nil {
			c.broadcast.emit(*f.Signal)
		}
	case wire.TypeLeft:
		c.mu.Lock()
		c.joined = false
		fns := append([]func(){}, c.onLeft...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	case wire.TypeError:
		c.logger.Warn().Str("error", f.Error).Msg("hub error")
		c.failJoin(f.Error)
	case wire.TypePong:
	default:
		c.logger.Debug().Str("type", f.Type).Msg("unknown frame")
	}
}

func (c *Client) resolveSync(r syncReply) {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	if r.err == nil {
		c.joined = true
	}
	c.mu.Unlock()
	w <- r
}

// failJoin fails a pending join. The hub answers a rejected join with an
// error frame instead of room_state.
func (c *Client) failJoin(msg string) {
	c.mu.Lock()
	pending := !c.joined && len(c.waiters) > 0
	c.mu.Unlock()
	if pending {
		c.resolveSync(syncReply{err: fmt.Errorf("%w: %s", ErrHubRefuse, msg)})
	}
}
