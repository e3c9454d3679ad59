// Package relay owns the single backend socket shared by every page.
//
// The Manager is an explicit state machine: Idle -> Connecting -> Open ->
// Closed -> (fixed delay) -> Connecting. A dial error and a socket close go
// through the same handler, so there is one retry path.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/envelope"
	"github.com/10yihang/pwarelay/internal/metrics"
)

// DefaultReconnectDelay is the fixed delay between a close and the next dial.
const DefaultReconnectDelay = 3 * time.Second

// Observer receives transitions and inbound frames.
//
// StateChanged runs with the manager lock held and must not call back into
// the Manager; spawn a goroutine for that. Inbound runs on the read loop.
type Observer interface {
	StateChanged(s State)
	Inbound(env envelope.Envelope, frame []byte)
}

// Config configures a Manager
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration

	Dialer    Dialer
	Scheduler Scheduler
}

// Manager is the connection manager. Use one per process.
type Manager struct {
	url          string
	delay        time.Duration
	writeTimeout time.Duration
	dialer       Dialer
	sched        Scheduler
	observer     Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64
	retry    Timer
	shutdown bool
}

// NewManager creates a Manager in StateIdle. Nothing is dialed until Connect.
func NewManager(cfg Config, obs Observer) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler
	}
	if obs == nil {
		obs = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:          cfg.URL,
		delay:        cfg.ReconnectDelay,
		writeTimeout: cfg.WriteTimeout,
		dialer:       cfg.Dialer,
		sched:        cfg.Scheduler,
		observer:     obs,
		ctx:          ctx,
		cancel:       cancel,
	}
	metrics.RecordState(StateIdle.String(), States)
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a dial if no socket exists. It cancels a pending reconnect
// timer. It returns false when a socket is already connecting or open, or
// after Close.
func (m *Manager) Connect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown || !m.state.canConnect() {
		return false
	}
	m.stopRetryLocked()

	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.run(gen)
	return true
}

func (m *Manager) run(gen uint64) {
	defer m.wg.Done()

	conn, err := m.dialer.Dial(m.ctx, m.url)
	if err != nil {
		log.Warn().Err(err).Str("url", m.url).Msg("backend socket dial failed")
		m.handleClose(gen)
		return
	}

	m.mu.Lock()
	if m.shutdown || gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	log.Info().Str("url", m.url).Msg("backend socket open")

	for {
		frame, err := conn.Read(m.ctx)
		if err != nil {
			log.Info().Err(err).Msg("backend socket closed")
			m.handleClose(gen)
			return
		}

		env, err := envelope.Parse(frame)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed socket frame")
			continue
		}
		m.observer.Inbound(env, frame)
	}
}

// handleClose is the single close path for dial errors and socket closes.
func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateClosed)

	if m.shutdown {
		return
	}
	m.scheduleLocked()
}

// scheduleLocked replaces any pending reconnect timer.
func (m *Manager) scheduleLocked() {
	m.stopRetryLocked()
	m.retry = m.sched.AfterFunc(m.delay, m.reconnect)
	metrics.Reconnects.Inc()
	log.Debug().Dur("delay", m.delay).Msg("reconnect scheduled")
}

func (m *Manager) reconnect() {
	m.Connect()
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metrics.RecordState(s.String(), States)
	m.observer.StateChanged(s)
}

// Send writes env to the socket. It returns false, without error, when the
// socket is not open or the write fails; the caller must queue env itself.
func (m *Manager) Send(env envelope.Envelope) bool {
	frame, err := envelope.Encode(env)
	if err != nil {
		log.Warn().Err(err).Msg("refusing to send envelope")
		return false
	}
	return m.SendFrame(frame)
}

// SendFrame writes an already encoded envelope.
func (m *Manager) SendFrame(frame []byte) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		log.Warn().Err(err).Msg("backend socket write failed")
		return false
	}
	return true
}

// Disconnect closes the current socket. The normal close path follows,
// including the scheduled reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close shuts the manager down. No reconnect is scheduled afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.shutdown = true
	m.stopRetryLocked()
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	return nil
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)                {}
func (nopObserver) Inbound(envelope.Envelope, []byte) {}
