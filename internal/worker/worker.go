// Package worker connects pages, the backend socket, the offline queue and
// the cache store. It handles page control messages and reacts to socket
// state changes.
package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/clients"
	"github.com/10yihang/pwarelay/internal/envelope"
	"github.com/10yihang/pwarelay/internal/queue"
	"github.com/10yihang/pwarelay/internal/relay"
	"github.com/10yihang/pwarelay/pkg/errors"
)

// Socket is the backend connection as seen by the worker.
type Socket interface {
	State() relay.State
	Connect() bool
	Disconnect()
	Send(env envelope.Envelope) bool
	SendFrame(frame []byte) bool
}

// Config configures a Worker.
type Config struct {
	Store    *cache.Store
	Queue    *queue.Queue
	Registry *clients.Registry

	// Assets are re-fetched on an updateCache request.
	Assets []string

	// OriginPatterns are passed to the websocket handshake. Empty allows
	// same-origin pages only.
	OriginPatterns []string

	// OutboxSize bounds frames buffered per page.
	OutboxSize int
}

// Worker is the page-facing side of the relay.
type Worker struct {
	store    *cache.Store
	queue    *queue.Queue
	reg      *clients.Registry
	bc       *clients.Broadcaster
	assets   []string
	origins  []string
	outbox   int
	socket   Socket
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	isClosed bool
}

// New creates a Worker. Attach must be called before it serves pages.
func New(cfg Config) *Worker {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:   cfg.Store,
		queue:   cfg.Queue,
		reg:     cfg.Registry,
		bc:      clients.NewBroadcaster(cfg.Registry),
		assets:  cfg.Assets,
		origins: cfg.OriginPatterns,
		outbox:  cfg.OutboxSize,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach sets the backend socket. The worker is usually the socket's
// observer, so it is wired after both exist.
func (w *Worker) Attach(s Socket) {
	w.socket = s
}

// Broadcaster returns the broadcaster used for fan-out.
func (w *Worker) Broadcaster() *clients.Broadcaster {
	return w.bc
}

// Connected reports whether the backend socket is open.
func (w *Worker) Connected() bool {
	return w.socket != nil && w.socket.State() == relay.StateOpen
}

// StateChanged implements relay.Observer. It runs under the manager lock,
// so anything that talks back to the socket is spawned.
func (w *Worker) StateChanged(s relay.State) {
	switch s {
	case relay.StateOpen:
		w.bc.Broadcast(envelope.Status(true), "")
		w.spawn(func(ctx context.Context) {
			if _, err := w.Drain(ctx); err != nil {
				log.Warn().Err(err).Msg("drain after reconnect failed")
			}
		})
	case relay.StateClosed:
		w.bc.Broadcast(envelope.Status(false), "")
	}
}

// Inbound implements relay.Observer. The frame reaches every page as is.
func (w *Worker) Inbound(_ envelope.Envelope, frame []byte) {
	w.bc.BroadcastRaw(frame, "")
}

// HandlePageMessage dispatches one control frame from page from.
func (w *Worker) HandlePageMessage(ctx context.Context, from clients.ID, frame []byte) {
	env, err := envelope.Parse(frame)
	if err != nil {
		log.Warn().Err(err).Str("client_id", string(from)).Msg("dropping malformed page message")
		return
	}

	switch env.Type {
	case envelope.KindOnline:
		w.socket.Connect()

	case envelope.KindOffline:
		w.socket.Disconnect()

	case envelope.KindMessage:
		if _, err := w.Submit(ctx, env); err != nil {
			log.Warn().Err(err).Str("client_id", string(from)).Msg("message neither sent nor queued")
		}
		w.bc.BroadcastRaw(frame, from)

	case envelope.KindPing:
		if err := w.bc.SendTo(from, envelope.Pong()); err != nil {
			log.Debug().Err(err).Str("client_id", string(from)).Msg("pong not delivered")
		}

	case envelope.KindUpdateCache:
		w.UpdateCache(ctx)
		if w.Connected() {
			w.socket.SendFrame(frame)
		}

	case envelope.KindSync:
		if _, err := w.Drain(ctx); err != nil {
			log.Warn().Err(err).Msg("manual drain failed")
		}

	default:
		log.Debug().Str("client_id", string(from)).Msg("ignoring page message of unknown type")
	}
}

// Submit sends env on the socket, or queues it when the socket is not open.
// It reports whether env went out live.
func (w *Worker) Submit(ctx context.Context, env envelope.Envelope) (bool, error) {
	if w.socket != nil && w.socket.Send(env) {
		return true, nil
	}

	a := queue.Action{
		ID:      actionID(env.Data),
		Type:    env.Type,
		Payload: env.Data,
	}
	if err := w.queue.Enqueue(ctx, a); err != nil {
		return false, fmt.Errorf("queue action: %w", err)
	}
	return false, nil
}

// actionID uses the payload's own "id" when it carries one, so a page that
// retries the same action overwrites rather than duplicates it.
func actionID(data json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if len(data) > 0 && json.Unmarshal(data, &probe) == nil && probe.ID != "" {
		return probe.ID
	}
	return uuid.NewString()
}

// Drain replays queued actions through the socket. An action the socket
// does not accept stays queued.
func (w *Worker) Drain(ctx context.Context) (queue.DrainResult, error) {
	return w.queue.Drain(ctx, func(_ context.Context, a queue.Action) error {
		env := envelope.Envelope{Type: a.Type, Data: a.Payload}
		if w.socket == nil || !w.socket.Send(env) {
			return errors.ErrNotDelivered
		}
		return nil
	})
}

// UpdateCache re-fetches the static assets and tells every page the outcome.
func (w *Worker) UpdateCache(ctx context.Context) error {
	report := w.store.PopulateStatic(ctx, w.assets)
	if err := report.Err(); err != nil {
		w.bc.Broadcast(envelope.CacheUpdateFailed(err), "")
		return err
	}
	w.bc.Broadcast(envelope.CacheUpdated(), "")
	return nil
}

// Status summarizes the worker for operators.
type Status struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Clients   int    `json:"clients"`
	Queued    int    `json:"queued"`
}

// Status reports the current socket state, page count and queue length.
func (w *Worker) Status(ctx context.Context) (Status, error) {
	st := Status{State: relay.StateIdle.String(), Clients: w.reg.Len()}
	if w.socket != nil {
		s := w.socket.State()
		st.State = s.String()
		st.Connected = s == relay.StateOpen
	}
	n, err := w.queue.Len(ctx)
	if err != nil {
		return st, err
	}
	st.Queued = n
	return st, nil
}

// ServePage upgrades r to a page socket and serves it until it closes.
// The optional controller query parameter is the generation that served
// the page.
func (w *Worker) ServePage(rw http.ResponseWriter, r *http.Request) {
	controller, _ := strconv.ParseUint(r.URL.Query().Get("controller"), 10, 64)

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: w.origins})
	if err != nil {
		log.Warn().Err(err).Msg("page websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	p := newPage(conn, w.outbox)
	w.reg.Add(p, controller)
	defer w.reg.Remove(p.id)
	log.Info().Str("client_id", string(p.id)).Uint64("controller", controller).Msg("page connected")

	go p.writeLoop(ctx)
	if err := w.bc.SendTo(p.id, envelope.Status(w.Connected())); err != nil {
		log.Debug().Err(err).Str("client_id", string(p.id)).Msg("initial status not delivered")
	}

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !stderrors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("client_id", string(p.id)).Msg("page read failed")
			}
			break
		}
		w.HandlePageMessage(ctx, p.id, frame)
	}

	p.close(websocket.StatusNormalClosure)
	log.Info().Str("client_id", string(p.id)).Msg("page disconnected")
}

// spawn runs fn in the background. Wait blocks until it returns.
func (w *Worker) spawn(fn func(ctx context.Context)) {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.isClosed {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

// Wait blocks until all background work has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close stops background work and disconnects every page.
func (w *Worker) Close() {
	w.closeMu.Lock()
	w.isClosed = true
	w.closeMu.Unlock()

	w.cancel()
	w.wg.Wait()
}
