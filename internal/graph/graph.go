package graph

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is the result of one full discovery pass. Built by the
// Loader, swapped into the Graph wholesale.
type Snapshot struct {
	Rooms   map[int]*Room
	Devices map[string]*Device
	Loads   map[int]*Load
	Scenes  map[int]*Scene
	Gateway *Device
}

// Graph is the aggregate owning all rooms, devices, loads and scenes,
// keyed by id. Structural shape only changes through Replace; per-load
// state fields are updated incrementally via ApplyLoadUpdate. The
// structural lock is held exclusively during Replace and shared during
// lookups; individual load updates additionally take the load's own
// lock so unrelated loads never serialize against each other.
type Graph struct {
	mu      sync.RWMutex
	rooms   map[int]*Room
	devices map[string]*Device
	loads   map[int]*Load
	scenes  map[int]*Scene
	gateway *Device

	stale atomic.Bool
}

// New creates an empty graph. It is stale until the first Replace.
func New() *Graph {
	g := &Graph{
		rooms:   make(map[int]*Room),
		devices: make(map[string]*Device),
		loads:   make(map[int]*Load),
		scenes:  make(map[int]*Scene),
	}
	g.stale.Store(true)
	return g
}

// Replace swaps in a freshly loaded snapshot and clears the stale
// flag. The previous structure is discarded wholesale; it is never
// patched incrementally.
func (g *Graph) Replace(snap *Snapshot) {
	g.mu.Lock()
	g.rooms = snap.Rooms
	g.devices = snap.Devices
	g.loads = snap.Loads
	g.scenes = snap.Scenes
	g.gateway = snap.Gateway
	g.mu.Unlock()

	g.stale.Store(false)
}

// MarkStale flags last-known values as possibly outdated. They remain
// visible until the next Replace.
func (g *Graph) MarkStale() {
	g.stale.Store(true)
}

// Stale reports whether the graph may be behind gateway state.
func (g *Graph) Stale() bool {
	return g.stale.Load()
}

// Room looks up a room by id.
func (g *Graph) Room(id int) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Device looks up a device by id.
func (g *Graph) Device(id string) (*Device, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.devices[id]
	return d, ok
}

// Load looks up a load by id.
func (g *Graph) Load(id int) (*Load, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.loads[id]
	return l, ok
}

// Scene looks up a scene by id.
func (g *Graph) Scene(id int) (*Scene, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.scenes[id]
	return s, ok
}

// Gateway returns the device acting as the gateway, if detected.
func (g *Graph) Gateway() *Device {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gateway
}

// Loads returns all loads ordered by id.
func (g *Graph) Loads() []*Load {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Load, 0, len(g.loads))
	for _, l := range g.loads {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Devices returns all devices ordered by id.
func (g *Graph) Devices() []*Device {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Device, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scenes returns all scenes ordered by id.
func (g *Graph) Scenes() []*Scene {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Scene, 0, len(g.scenes))
	for _, s := range g.scenes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyLoadUpdate merges confirmed event fields into the named load.
// Returns the load and true when it exists; false leaves the graph
// untouched (the event referred to an entity added after last load).
func (g *Graph) ApplyLoadUpdate(loadID int, fields map[string]interface{}) (*Load, bool) {
	g.mu.RLock()
	l, ok := g.loads[loadID]
	g.mu.RUnlock()

	if !ok {
		return nil, false
	}

	l.apply(fields)
	return l, true
}

// HostDeviceIDs returns the identifiers the host platform maps devices
// to: one "<device>_<channel>" id per load, plus the bare device id
// for every load-less device.
func (g *Graph) HostDeviceIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.loads)+len(g.devices))
	for _, l := range g.loads {
		ids = append(ids, HostDeviceID(l.DeviceID, l.Channel))
	}
	for _, d := range g.devices {
		if len(d.LoadIDs) == 0 {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// HostDeviceID builds the host identifier for one load channel.
func HostDeviceID(deviceID string, channel int) string {
	return fmt.Sprintf("%s_%d", deviceID, channel)
}
