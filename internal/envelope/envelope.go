// Package envelope defines the tagged message wrapper exchanged over the
// backend socket and between pages and the relay.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of envelope types.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindMessage
	KindCacheUpdated
	KindCacheUpdateFailed
	KindPong
	KindPing
	KindOnline
	KindOffline
	KindUpdateCache
	KindSync
)

var kindNames = map[Kind]string{
	KindStatus:            "status",
	KindMessage:           "message",
	KindCacheUpdated:      "cacheUpdated",
	KindCacheUpdateFailed: "cacheUpdateFailed",
	KindPong:              "pong",
	KindPing:              "ping",
	KindOnline:            "online",
	KindOffline:           "offline",
	KindUpdateCache:       "updateCache",
	KindSync:              "sync",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseKind maps a wire name to a Kind. Unrecognized names yield KindUnknown.
func ParseKind(name string) Kind {
	return kindsByName[name]
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("envelope: cannot marshal unknown kind")
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// Envelope is {type, data?, connected?, error?} on the wire.
type Envelope struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Connected *bool           `json:"connected,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Parse decodes a frame. An unknown type is not an error; the result has
// Type == KindUnknown.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Encode marshals env for the wire.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Status reports the backend socket state.
func Status(connected bool) Envelope {
	return Envelope{Type: KindStatus, Connected: &connected}
}

func Pong() Envelope {
	return Envelope{Type: KindPong}
}

func CacheUpdated() Envelope {
	return Envelope{Type: KindCacheUpdated}
}

func CacheUpdateFailed(err error) Envelope {
	return Envelope{Type: KindCacheUpdateFailed, Error: err.Error()}
}

// Message wraps an application payload.
func Message(data json.RawMessage) Envelope {
	return Envelope{Type: KindMessage, Data: data}
}
