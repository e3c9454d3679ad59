package worker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/clients"
	"github.com/10yihang/pwarelay/pkg/errors"
)

const writeTimeout = 5 * time.Second

// Page is one connected page. Frames posted to it are written by a
// dedicated goroutine so a slow page never blocks a broadcast.
type Page struct {
	id     clients.ID
	conn   *websocket.Conn
	outbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newPage(conn *websocket.Conn, outbox int) *Page {
	return &Page{
		id:     clients.NewID(),
		conn:   conn,
		outbox: make(chan []byte, outbox),
		done:   make(chan struct{}),
	}
}

func (p *Page) ID() clients.ID {
	return p.id
}

// Post queues frame for writing. It never blocks.
func (p *Page) Post(frame []byte) error {
	select {
	case <-p.done:
		return errors.ErrClosed
	default:
	}

	select {
	case p.outbox <- frame:
		return nil
	default:
		return errors.ErrBackpressure
	}
}

func (p *Page) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case frame := <-p.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client_id", string(p.id)).Msg("page write failed")
				p.close(websocket.StatusInternalError)
				return
			}
		}
	}
}

func (p *Page) close(code websocket.StatusCode) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close(code, "")
	})
}
