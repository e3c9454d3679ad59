package clients

import (
	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/envelope"
	"github.com/10yihang/pwarelay/internal/metrics"
	pkgerrors "github.com/10yihang/pwarelay/pkg/errors"
)

// Delivery counts the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Failed    int
}

// Broadcaster posts frames to every connected page, controlled or not.
type Broadcaster struct {
	reg *Registry
}

// NewBroadcaster creates a Broadcaster over reg.
func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

// Broadcast encodes env and posts it to every page except exclude.
// Pass an empty exclude to reach every page.
func (b *Broadcaster) Broadcast(env envelope.Envelope, exclude ID) Delivery {
	frame, err := envelope.Encode(env)
	if err != nil {
		log.Warn().Err(err).Str("type", env.Type.String()).Msg("cannot encode broadcast")
		return Delivery{}
	}
	return b.BroadcastRaw(frame, exclude)
}

// BroadcastRaw posts frame unchanged.
func (b *Broadcaster) BroadcastRaw(frame []byte, exclude ID) Delivery {
	var d Delivery
	for _, c := range b.reg.Snapshot(MatchOptions{IncludeUncontrolled: true}) {
		if exclude != "" && c.ID() == exclude {
			continue
		}
		if err := c.Post(frame); err != nil {
			d.Failed++
			log.Debug().Err(err).Str("client_id", string(c.ID())).Msg("broadcast delivery failed")
			continue
		}
		d.Delivered++
	}
	metrics.RecordBroadcast(d.Delivered, d.Failed)
	return d
}

// SendTo posts env to a single page.
func (b *Broadcaster) SendTo(id ID, env envelope.Envelope) error {
	c, ok := b.reg.Get(id)
	if !ok {
		return pkgerrors.ErrUnknownClient
	}
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return c.Post(frame)
}
