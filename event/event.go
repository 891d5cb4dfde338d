// Package event is the cluster-aware event bus.
//
// An event sent on one node is always delivered to that node's matching
// listeners. Broadcasting events are also published on the cluster topic and
// delivered everywhere else; private events go to exactly one live peer. What
// arrives from the cluster is wrapped in a RemoteEnvelope and never leaves the
// receiving node again.
package event

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNilListener = errors.New("event: nil listener")
	ErrNilEvent    = errors.New("event: nil payload")
)

// Event is anything that can be sent on a Bus. EventName must be callable on
// the zero value; it is the wire identity of the type.
type Event interface {
	EventName() string
}

// Message is an Envelope or a RemoteEnvelope.
type Message interface {
	envelope() Envelope
	remote() bool
}

// Envelope carries an event and its distribution flags. Private wins over
// Broadcasting when both are set.
type Envelope struct {
	ID           string
	Name         string // defaults to Payload.EventName()
	Payload      Event
	Private      bool // deliver to exactly one other node
	Broadcasting bool // deliver to every other node
	Origin       string
	Time         time.Time
}

func (e Envelope) envelope() Envelope { return e }
func (Envelope) remote() bool         { return false }

// RemoteEnvelope marks an envelope that already crossed the cluster. It is
// delivered to local listeners only.
type RemoteEnvelope struct {
	Envelope
}

func (r RemoteEnvelope) envelope() Envelope { return r.Envelope }
func (RemoteEnvelope) remote() bool         { return true }

// Types maps event names to decoders so payloads received from other nodes
// come back as their concrete Go types.
type Types struct {
	mu  sync.RWMutex
	dec map[string]func([]byte) (Event, error)
}

func NewTypes() *Types {
	return &Types{dec: make(map[string]func([]byte) (Event, error))}
}

// RegisterType registers T under its zero value's EventName.
func RegisterType[T Event](t *Types) error {
	var zero T
	return t.add(zero.EventName(), func(b []byte) (Event, error) {
		var v T
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// Register registers name with a factory. The factory must return a pointer
// the payload can be decoded into.
func (t *Types) Register(name string, factory func() Event) error {
	if factory == nil {
		return errors.New("event: nil factory")
	}
	return t.add(name, func(b []byte) (Event, error) {
		e := factory()
		if err := msgpack.Unmarshal(b, e); err != nil {
			return nil, err
		}
		return e, nil
	})
}

func (t *Types) add(name string, dec func([]byte) (Event, error)) error {
	if name == "" {
		return errors.New("event: empty event name")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.dec[name]; dup {
		return fmt.Errorf("event: type %q already registered", name)
	}
	t.dec[name] = dec
	return nil
}

func (t *Types) decode(name string, b []byte) (Event, bool, error) {
	t.mu.RLock()
	dec, ok := t.dec[name]
	t.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	e, err := dec(b)
	return e, true, err
}

// Names returns the registered event names.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.dec))
	for n := range t.dec {
		out = append(out, n)
	}
	return out
}
