package graph

import (
	"sync"

	"wisersync/internal/gateway"
)

// Kind is the capability class of a load.
type Kind string

const (
	KindSwitch Kind = "switch"
	KindDimmer Kind = "dimmer"
	KindCover  Kind = "cover"
	KindSensor Kind = "sensor"
)

// KindOf maps a gateway load type to a capability kind. Unrecognized
// types are treated as sensors so they still surface read-only state.
func KindOf(loadType string) Kind {
	switch loadType {
	case "onoff":
		return KindSwitch
	case "dim", "dali":
		return KindDimmer
	case "motor":
		return KindCover
	default:
		return KindSensor
	}
}

// Room is a named grouping of devices. Immutable after load except on
// explicit re-sync.
type Room struct {
	ID   int
	Name string
}

// Device is a physical control unit. A device with zero loads is a
// load-less device (secondary control / sensor) and maps to a single
// host entity; a device with N loads maps to N host devices.
type Device struct {
	ID        string
	A         gateway.DeviceBlock
	C         gateway.DeviceBlock
	LoadIDs   []int
	Inputs    int
	RoomID    int // weak reference, lookup only
	IsGateway bool
}

// SerialNumber returns the combined actuator/control serial number.
func (d *Device) SerialNumber() string {
	if d.C.SerialNr == "" || d.C.SerialNr == d.A.SerialNr {
		return d.A.SerialNr
	}
	return d.A.SerialNr + "_" + d.C.SerialNr
}

// LoadLess reports whether the device owns no loads.
func (d *Device) LoadLess() bool {
	return len(d.LoadIDs) == 0
}

// Load is a single controllable output channel. Its state snapshot is
// mutable and updated exclusively by the event dispatcher upon
// confirmed events, never guessed from control-call responses. Each
// load carries its own lock so unrelated updates never serialize.
type Load struct {
	ID       int
	Channel  int
	Kind     Kind
	DeviceID string // back-reference, lookup only
	RoomID   int
	Name     string

	mu    sync.RWMutex
	state map[string]interface{}
}

// State returns a copy of the current state snapshot.
func (l *Load) State() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]interface{}, len(l.state))
	for k, v := range l.state {
		out[k] = v
	}
	return out
}

// Field returns a single state field.
func (l *Load) Field(name string) (interface{}, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.state[name]
	return v, ok
}

// setState replaces the whole snapshot (bulk load).
func (l *Load) setState(state map[string]interface{}) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// apply merges confirmed event fields into the snapshot.
func (l *Load) apply(fields map[string]interface{}) {
	l.mu.Lock()
	if l.state == nil {
		l.state = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		l.state[k] = v
	}
	l.mu.Unlock()
}

// Scene is a named, ordered set of target loads triggered atomically
// on the gateway side through its backing job. Triggered, not mutated.
type Scene struct {
	ID      int
	Name    string
	JobID   int
	Targets []int
}
