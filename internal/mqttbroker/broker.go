// Package mqttbroker is a minimal MQTT v3.1.1 broker for device ingestion.
// Clients authenticate in CONNECT and publish with QoS 0 or 1; the broker
// hands every publish to a Handler and never routes messages back out.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PublishMessage represents a publish received from a client.
type PublishMessage struct {
	ClientID string
	Username string
	Topic    string
	Payload  []byte
	QoS      byte
}

// Handler is invoked for each received publish message. For QoS 1 the PUBACK
// is sent after the handler returns.
type Handler func(context.Context, PublishMessage)

// Credentials are the identity fields of a CONNECT packet. A nil Password
// means the client sent none.
type Credentials struct {
	ClientID string
	Username string
	Password *string
}

// Authenticator decides whether a CONNECT is accepted. Returning
// ErrNotAuthorized or ErrBadCredentials selects the CONNACK return code;
// any other error is treated as ErrNotAuthorized.
type Authenticator func(Credentials) error

var (
	// ErrBadCredentials rejects a CONNECT with return code 0x04.
	ErrBadCredentials = errors.New("bad user name or password")
	// ErrNotAuthorized rejects a CONNECT with return code 0x05.
	ErrNotAuthorized = errors.New("not authorized")
)

const (
	defaultMaxPacketSize  = 64 * 1024
	defaultConnectTimeout = 10 * time.Second
)

// Option customizes a Broker.
type Option func(*Broker)

// WithAuthenticator requires every CONNECT to pass auth.
func WithAuthenticator(auth Authenticator) Option {
	return func(b *Broker) { b.auth = auth }
}

// WithMaxPacketSize bounds the remaining length of accepted packets.
func WithMaxPacketSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxPacket = n
		}
	}
}

// WithConnectTimeout bounds how long a new connection may wait before
// sending CONNECT.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.connectTimeout = d
		}
	}
}

type clientSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	clientID  string
	username  string
	connected bool
	keepAlive time.Duration
	closed    atomic.Bool
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts device connections and forwards their publishes to a Handler.
type Broker struct {
	logger         *slog.Logger
	auth           Authenticator
	maxPacket      int
	connectTimeout time.Duration
	listener       net.Listener
	handler        atomic.Value // stores Handler
	mu             sync.Mutex
	wg             sync.WaitGroup
	shuttingDown   atomic.Bool
	ctx            context.Context
	cancel         context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:         logger,
		maxPacket:      defaultMaxPacketSize,
		connectTimeout: defaultConnectTimeout,
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*clientSession]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String(), "auth", b.auth != nil)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker, cancels in-flight handlers and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// ConnectedClients reports the number of open client connections.
func (b *Broker) ConnectedClients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	logger := b.logger.With("remote", session.conn.RemoteAddr().String())

	for {
		// clients that stop talking for 1.5x their keep alive are dropped
		switch {
		case !session.connected:
			_ = session.conn.SetReadDeadline(time.Now().Add(b.connectTimeout))
		case session.keepAlive > 0:
			_ = session.conn.SetReadDeadline(time.Now().Add(session.keepAlive * 3 / 2))
		default:
			_ = session.conn.SetReadDeadline(time.Time{})
		}

		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read header error", "client", session.clientID, "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			logger.Debug("read remaining length error", "error", err)
			return
		}
		if remaining > b.maxPacket {
			logger.Warn("packet too large", "client", session.clientID, "size", remaining, "max", b.maxPacket)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4
		if !session.connected && packetType != packetConnect {
			logger.Warn("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if session.connected {
				logger.Warn("duplicate connect", "client", session.clientID)
				return
			}
			if err := b.handleConnect(session, payload); err != nil {
				logger.Info("connect rejected", "error", err)
				return
			}
			logger = logger.With("client", session.clientID)
		case packetPublish:
			msg, packetID, err := parsePublish(header, payload)
			if err != nil {
				logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = session.clientID
			msg.Username = session.username
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, b.ctx, msg, logger)
			}
			if msg.QoS == 1 {
				if err := session.writePacket(buildAck(packetPuback, packetID)); err != nil {
					logger.Debug("write puback error", "error", err)
					return
				}
			}
		case packetSubscribe:
			packetID, topics, err := subscribeTopics(payload)
			if err != nil {
				logger.Debug("parse subscribe error", "error", err)
				return
			}
			logger.Info("subscribe refused, broker is ingest only", "topics", topics)
			if err := session.writePacket(buildSubAck(packetID, len(topics))); err != nil {
				logger.Debug("write suback error", "error", err)
				return
			}
		case packetUnsubscribe:
			rd := bytesReader(payload)
			packetID, err := rd.readUint16()
			if err != nil {
				logger.Debug("read unsubscribe packet id", "error", err)
				return
			}
			if err := session.writePacket(buildAck(packetUnsuback, packetID)); err != nil {
				logger.Debug("write unsuback error", "error", err)
				return
			}
		case packetPingreq:
			if err := session.writePacket([]byte{packetPingresp << 4, 0x00}); err != nil {
				logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	p, code, err := parseConnect(payload)
	if err != nil {
		if code != connAccepted {
			_ = session.writePacket(buildConnack(code))
		}
		return err
	}

	if p.clientID == "" {
		p.clientID = "anon-" + uuid.NewString()
	}
	if p.username != nil {
		session.username = *p.username
	}

	if b.auth != nil {
		err := b.auth(Credentials{ClientID: p.clientID, Username: session.username, Password: p.password})
		if err != nil {
			code := connNotAuthorized
			if errors.Is(err, ErrBadCredentials) {
				code = connBadCredentials
			}
			_ = session.writePacket(buildConnack(code))
			return fmt.Errorf("client %s: %w", p.clientID, err)
		}
	}

	if err := session.writePacket(buildConnack(connAccepted)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	session.clientID = p.clientID
	session.keepAlive = time.Duration(p.keepAlive) * time.Second
	session.connected = true
	b.logger.Debug("client connected", "client", p.clientID, "keepalive", session.keepAlive)
	return nil
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r, "topic", msg.Topic)
		}
	}()
	h(ctx, msg)
}
