package uplink

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/iotgw/internal/contextpool"
	"github.com/srg/iotgw/internal/gwmsg"
	"github.com/srg/iotgw/internal/groutine"
	"github.com/srg/iotgw/internal/outqueue"
)

// Config holds the Uplink Connector's tunables, all named directly after the
// timeouts of the configuration surface.
type Config struct {
	Host, Port string
	TLS        *tls.Config

	GatewayID string
	Token     string

	PollTimeout         time.Duration
	ReceiveTimeout      time.Duration
	SendTimeout         time.Duration
	RetryConnectTimeout time.Duration
	BusySleep           time.Duration
	ResendTimeout       time.Duration
	MaxMessageSize      int
	QueueCapacity       int
	ContextPoolCapacity int
}

// CommandHandler processes an unsolicited command from the server and
// returns the reply to enqueue back onto the Output Queue.
type CommandHandler func(cmd gwmsg.GWMessage) gwmsg.GWMessage

// Connector is the persistent, reconnecting WebSocket session to the server:
// a sender goroutine driving the four-state machine, a receiver goroutine
// dispatching frames, and a timer goroutine reaping the Context Pool.
type Connector struct {
	cfg     Config
	logger  *logrus.Logger
	codec   Codec
	queue   *outqueue.Queue
	pool    *contextpool.Pool
	onCmd   CommandHandler
	dialer  *websocket.Dialer

	sendMu sync.Mutex
	recvMu sync.Mutex

	connMu sync.RWMutex
	conn   *websocket.Conn
	state  State

	registerMu sync.Mutex
	registerCh chan struct{}

	lastReceived atomic.Int64 // unix nanoseconds

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Connector. Call Start to begin the sender/receiver/timer
// goroutines.
func New(cfg Config, logger *logrus.Logger, onCmd CommandHandler) *Connector {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	c := &Connector{
		cfg:              cfg,
		logger:           logger,
		codec:            NewJSONCodec(),
		queue:            outqueue.New(cfg.QueueCapacity, logger),
		pool:             contextpool.New(cfg.ContextPoolCapacity),
		onCmd:            onCmd,
		dialer:           &websocket.Dialer{TLSClientConfig: cfg.TLS, HandshakeTimeout: cfg.ReceiveTimeout},
		stopCh:           make(chan struct{}),
	}
	c.lastReceived.Store(time.Now().UnixNano())
	return c
}

// State returns the current sender state.
func (c *Connector) State() State {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.connMu.Lock()
	c.state = s
	c.connMu.Unlock()
}

// Start launches the sender, receiver, and context-pool reaper as named
// long-lived goroutines.
func (c *Connector) Start(ctx context.Context) {
	c.wg.Add(3)
	groutine.Go(ctx, "uplink-sender", func(gctx context.Context) {
		defer c.wg.Done()
		c.senderLoop(gctx)
	})
	groutine.Go(ctx, "uplink-receiver", func(gctx context.Context) {
		defer c.wg.Done()
		c.receiverLoop(gctx)
	})
	groutine.Go(ctx, "uplink-timer", func(gctx context.Context) {
		defer c.wg.Done()
		c.reaperLoop(gctx)
	})
}

// Stop cancels outstanding contexts with Cancelled(shutdown), closes the
// socket, and waits for the sender, receiver, and timer to exit.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.pool.CancelAll("shutdown")
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
}

// SendMessage enqueues msg for delivery and returns immediately.
func (c *Connector) SendMessage(msg gwmsg.GWMessage) {
	c.queue.Enqueue(msg)
}

// SendAndWait enqueues msg, registers a context for its correlation id, and
// blocks for at most timeout for a Fulfilled/TimedOut/Cancelled outcome.
func (c *Connector) SendAndWait(msg gwmsg.GWMessage, timeout time.Duration) (gwmsg.GWMessageOutcome, error) {
	ctx := gwmsg.NewGWMessageContext(msg, time.Now(), timeout)
	if err := c.pool.Register(ctx); err != nil {
		return gwmsg.GWMessageOutcome{}, err
	}
	c.SendMessage(msg)

	select {
	case outcome := <-ctx.Response:
		return outcome, nil
	case <-time.After(timeout):
		return gwmsg.GWMessageOutcome{Outcome: gwmsg.OutcomeTimedOut}, nil
	}
}

func (c *Connector) url() string {
	scheme := "ws"
	if c.cfg.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s/gateway", scheme, c.cfg.Host, c.cfg.Port)
}

// senderLoop drives the four-state machine described for the Uplink
// Connector: Disconnected -> Connecting -> Registering -> Ready, looping
// back to Disconnected on any failure.
func (c *Connector) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		switch c.State() {
		case Disconnected:
			c.doConnect(ctx)
		case Registering:
			c.doRegister(ctx)
		case Ready:
			c.doReadyTick(ctx)
		default:
			c.setState(Disconnected)
		}
	}
}

func (c *Connector) doConnect(ctx context.Context) {
	c.setState(Connecting)
	conn, _, err := c.dialer.DialContext(ctx, c.url(), nil)
	if err != nil {
		c.logger.WithError(err).Warn("uplink: dial failed")
		c.backoff(ctx)
		return
	}
	conn.SetPongHandler(func(string) error {
		c.lastReceived.Store(time.Now().UnixNano())
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	registerMsg := gwmsg.NewMessage(gwmsg.KindRegister, gwmsg.RegisterPayload{
		GatewayID: c.cfg.GatewayID,
		Token:     c.cfg.Token,
	})
	c.registerMu.Lock()
	c.registerCh = make(chan struct{})
	c.registerMu.Unlock()
	if err := c.writeFrame(registerMsg); err != nil {
		c.logger.WithError(err).Warn("uplink: failed to send register")
		c.closeConn()
		c.backoff(ctx)
		return
	}
	c.setState(Registering)
}

func (c *Connector) doRegister(ctx context.Context) {
	c.registerMu.Lock()
	ch := c.registerCh
	c.registerMu.Unlock()

	timer := time.NewTimer(c.cfg.ReceiveTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		c.setState(Ready)
	case <-timer.C:
		c.logger.Warn("uplink: register ack timed out")
		c.closeConn()
		c.backoff(ctx)
	case <-ctx.Done():
	case <-c.stopCh:
	}
}

// signalRegistered wakes doRegister's select as soon as the receiver
// observes an accepted RegisterAck, instead of doRegister polling State().
func (c *Connector) signalRegistered() {
	c.registerMu.Lock()
	ch := c.registerCh
	c.registerCh = nil
	c.registerMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *Connector) doReadyTick(ctx context.Context) {
	if msg, ok := c.queue.DequeueReady(c.cfg.BusySleep); ok {
		if err := c.writeFrame(msg); err != nil {
			c.logger.WithError(err).Warn("uplink: send failed, reconnecting")
			c.reconnect()
		}
		return
	}

	// No traffic in busy_sleep: probe liveness with a ping, and force a
	// reconnect if the peer has been silent for 2x busy_sleep.
	last := time.Unix(0, c.lastReceived.Load())
	if time.Since(last) > 2*c.cfg.BusySleep {
		c.logger.Warn("uplink: liveness watchdog tripped, reconnecting")
		c.reconnect()
		return
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}
	c.sendMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout))
	c.sendMu.Unlock()
	if err != nil {
		c.logger.WithError(err).Warn("uplink: ping failed, reconnecting")
		c.reconnect()
	}
}

func (c *Connector) writeFrame(msg gwmsg.GWMessage) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: no active connection", gwmsg.ErrTransport)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connector) backoff(ctx context.Context) {
	c.setState(Disconnected)
	select {
	case <-time.After(c.cfg.RetryConnectTimeout):
	case <-ctx.Done():
	case <-c.stopCh:
	}
}

// reconnect flushes stale queue entries, cancels outstanding contexts, and
// drops back to Disconnected. Both sender and receiver mutexes are taken so
// send/receive never interleave with the reconnect itself.
func (c *Connector) reconnect() {
	c.sendMu.Lock()
	c.recvMu.Lock()
	defer c.sendMu.Unlock()
	defer c.recvMu.Unlock()

	c.pool.CancelAll("disconnect")
	c.queue.FlushOnDisconnect(time.Now(), c.cfg.ResendTimeout)
	c.closeConn()
	c.setState(Disconnected)
}

func (c *Connector) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// receiverLoop waits for a connection, then reads and dispatches frames
// until a failure requests a reconnect.
func (c *Connector) receiverLoop(ctx context.Context) {
	scratch := ringbuffer.New(c.cfg.MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			time.Sleep(c.cfg.PollTimeout)
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			c.logger.WithError(err).Warn("uplink: read failed, reconnecting")
			c.reconnect()
			continue
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) > c.cfg.MaxMessageSize {
			c.logger.WithField("size", len(data)).Warn("uplink: oversized frame, reconnecting")
			c.reconnect()
			continue
		}

		c.recvMu.Lock()
		c.dispatch(scratch, data)
		c.recvMu.Unlock()
		c.lastReceived.Store(time.Now().UnixNano())
	}
}

func (c *Connector) dispatch(scratch *ringbuffer.RingBuffer, data []byte) {
	scratch.Reset()
	if _, err := scratch.Write(data); err != nil {
		c.logger.WithError(err).Warn("uplink: staging buffer overflow")
		return
	}
	buf := make([]byte, scratch.Length())
	if _, err := scratch.Read(buf); err != nil {
		c.logger.WithError(err).Warn("uplink: staging buffer read failed")
		return
	}

	msg, err := c.codec.Decode(buf)
	if err != nil {
		c.logger.WithError(err).Warn("uplink: malformed frame, reconnecting")
		go c.reconnect()
		return
	}

	if msg.Kind == gwmsg.KindRegisterAck {
		if ack, ok := msg.Payload.(*gwmsg.RegisterAckPayload); ok && ack.Accepted {
			c.signalRegistered()
		}
		return
	}
	if msg.Kind == gwmsg.KindPong {
		return
	}
	if c.pool.Fulfill(msg.CorrelationID, msg) {
		return
	}

	if c.onCmd != nil {
		reply := c.onCmd(msg)
		c.queue.Enqueue(reply)
	}
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// reaperLoop periodically evicts expired Context Pool entries.
func (c *Connector) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.pool.Reap(now)
		}
	}
}
