package mqrpc

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/pgillich/textrpc/internal/logger"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SetupFunc declares the role's queues and consumers on a freshly opened channel.
// generation identifies the connection the channel belongs to.
type SetupFunc func(ctx context.Context, ch Channel, generation uint64) error

// ConnManager owns one broker connection and its primary channel.
type ConnManager struct {
	cfg    Config
	dial   Dialer
	setup  SetupFunc
	status *Status
	log    logr.Logger

	openMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Connection
	ch         Channel
	generation uint64

	closed     atomic.Bool
	reconnects singleflight.Group
}

func NewConnManager(cfg Config, dial Dialer, setup SetupFunc, status *Status, log logr.Logger) *ConnManager {
	if dial == nil {
		dial = DialAMQP
	}
	if status == nil {
		status = NewStatus()
	}

	return &ConnManager{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		setup:  setup,
		status: status,
		log:    log,
	}
}

// Open connects if not connected yet. It is a no-op on an open connection.
// Concurrent opens are serialized; state readers are not blocked by the dial.
func (m *ConnManager) Open(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()

		return ErrClosed
	}
	if m.isOpenLocked() {
		m.mu.Unlock()

		return nil
	}
	m.releaseLocked()
	m.state = StateConnecting
	generation := m.generation + 1
	m.mu.Unlock()
	m.log.V(1).Info("Connecting", "url", m.cfg.RedactedURL())

	conn, ch, err := m.connect(ctx, generation)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.status.SetConnected(false)
		m.status.RecordError(err)
		m.log.Error(err, "Connect failed", "url", m.cfg.RedactedURL())

		return err
	}
	if m.closed.Load() {
		conn.Close() //nolint:errcheck,gosec // closed while dialing

		return ErrClosed
	}

	m.generation = generation
	m.conn, m.ch = conn, ch
	m.state = StateOpen
	m.status.SetConnected(true)
	m.status.RecordReconnect(time.Now())
	go m.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), m.generation)
	m.log.Info("Connected", "url", m.cfg.RedactedURL(), "generation", m.generation)

	return nil
}

func (m *ConnManager) connect(ctx context.Context, generation uint64) (Connection, Channel, error) {
	conn, err := m.dial(m.cfg.URL, m.cfg.amqpConfig())
	if err != nil {
		return nil, nil, wrapKind(ErrConnect, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // already failed
		return nil, nil, wrapKind(ErrConnect, err)
	}
	if m.setup != nil {
		if err := m.setup(ctx, ch, generation); err != nil {
			conn.Close() //nolint:errcheck,gosec // already failed
			return nil, nil, wrapKind(ErrConnect, err)
		}
	}

	return conn, ch, nil
}

// watch moves the state to Disconnected when the broker closes the connection of generation.
func (m *ConnManager) watch(notify <-chan *amqp.Error, generation uint64) {
	amqpErr, hasErr := <-notify

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation {
		return
	}
	if hasErr && amqpErr != nil {
		err := wrapKind(ErrConsume, amqpErr)
		m.status.RecordError(err)
		m.log.Error(err, "Connection closed by broker", "generation", generation)
	}
	if m.state == StateOpen {
		m.state = StateDisconnected
		m.status.SetConnected(false)
	}
}

func (m *ConnManager) isOpenLocked() bool {
	if m.state != StateOpen {
		return false
	}
	if m.conn == nil || m.conn.IsClosed() {
		m.state = StateDisconnected
		m.status.SetConnected(false)

		return false
	}

	return true
}

// releaseLocked drops the current transport without touching the state.
func (m *ConnManager) releaseLocked() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil && !m.conn.IsClosed() {
			m.log.V(1).Info("Close stale connection", logger.KeyError, logger.ErrString(err))
		}
	}
	m.conn, m.ch = nil, nil
}

func (m *ConnManager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isOpenLocked()
}

func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isOpenLocked()

	return m.state
}

func (m *ConnManager) Closed() bool {
	return m.closed.Load()
}

// Generation is incremented on every successful Open.
func (m *ConnManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.generation
}

// Channel returns the primary channel of the open connection.
func (m *ConnManager) Channel() (Channel, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isOpenLocked() {
		return nil, m.generation, ErrNotOpen
	}

	return m.ch, m.generation, nil
}

// NewChannel opens an additional channel on the open connection.
func (m *ConnManager) NewChannel() (Channel, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isOpenLocked() {
		return nil, m.generation, ErrNotOpen
	}
	ch, err := m.conn.Channel()
	if err != nil {
		return nil, m.generation, err
	}

	return ch, m.generation, nil
}

// MarkDisconnected reports a transport fault seen on the connection of generation.
// Faults of an already replaced connection are ignored.
func (m *ConnManager) MarkDisconnected(generation uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation || m.state != StateOpen {
		return
	}
	m.log.Info("Disconnected", "generation", generation, logger.KeyError, logger.ErrString(cause))
	m.state = StateDisconnected
	m.status.SetConnected(false)
	m.releaseLocked()
}

// Reconnect waits ReconnectDelay and opens again, repeating without limit until
// it succeeds, the manager is closed or ctx is done. Concurrent calls share one cycle.
func (m *ConnManager) Reconnect(ctx context.Context) error {
	_, err, _ := m.reconnects.Do("reconnect", func() (interface{}, error) {
		return nil, m.reconnect(ctx)
	})

	return err
}

func (m *ConnManager) reconnect(ctx context.Context) error {
	if m.IsOpen() {
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), ctx)
	if err := waitDelay(ctx, m.cfg.ReconnectDelay); err != nil {
		return err
	}

	return backoff.RetryNotify(func() error {
		if m.closed.Load() {
			return backoff.Permanent(ErrClosed)
		}

		return m.Open(ctx)
	}, bo, func(err error, next time.Duration) {
		m.log.Info("Reconnect failed, retrying", logger.KeyError, logger.ErrString(err), "after", next)
	})
}

// Close stops reconnecting and releases the transport. A closed manager cannot be reopened.
func (m *ConnManager) Close() error {
	m.closed.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateClosing
	m.status.SetConnected(false)
	var err error
	if m.conn != nil && !m.conn.IsClosed() {
		err = m.conn.Close()
	}
	m.conn, m.ch = nil, nil

	return err
}

func waitDelay(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
