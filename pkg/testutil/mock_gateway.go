// Package testutil provides a mock gateway (REST + event stream) for
// writing tests against the sync client without hardware.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper pairs a stream connection with its write mutex.
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Room mirrors the gateway room payload.
type Room struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DeviceBlock mirrors one device block payload.
type DeviceBlock struct {
	CommRef   string `json:"comm_ref"`
	CommName  string `json:"comm_name"`
	SerialNr  string `json:"serial_nr"`
	FwVersion string `json:"fw_version"`
}

// Device mirrors the gateway device payload.
type Device struct {
	ID      string      `json:"id"`
	A       DeviceBlock `json:"a"`
	C       DeviceBlock `json:"c"`
	Outputs []Output    `json:"outputs"`
	Inputs  []Input     `json:"inputs"`
}

// Output references a load on a device output channel.
type Output struct {
	Load int `json:"load"`
}

// Input is a device input channel.
type Input struct {
	Type string `json:"type,omitempty"`
}

// Load mirrors the gateway load payload.
type Load struct {
	ID      int    `json:"id"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Device  string `json:"device"`
	Room    int    `json:"room,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Scene mirrors the gateway scene payload.
type Scene struct {
	ID    int    `json:"id"`
	Name  string `json:"sceneButton,omitempty"`
	Job   int    `json:"job"`
	Loads []int  `json:"loads,omitempty"`
}

// ControlCall records one control request for test verification.
type ControlCall struct {
	Method string
	Path   string
	Body   map[string]interface{}
	Time   time.Time
}

// MockGateway simulates the vendor gateway: claim handshake, REST
// discovery and control endpoints, and the websocket event stream.
type MockGateway struct {
	server *httptest.Server
	token  string

	mu            sync.Mutex
	buttonPressed bool
	rejectClaims  bool
	siteName      string
	rooms         []Room
	devices       []Device
	loads         []Load
	states        map[int]map[string]interface{}
	scenes        []Scene
	calls         []ControlCall

	connsMu sync.Mutex
	conns   []*connWrapper
}

// NewMockGateway starts a mock gateway that accepts the given token.
// The claim endpoint stays pending until PressButton is called.
func NewMockGateway(token string) *MockGateway {
	g := &MockGateway{
		token:    token,
		siteName: "Test Site",
		states:   make(map[int]map[string]interface{}),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

// Host returns the host:port of the mock gateway.
func (g *MockGateway) Host() string {
	return strings.TrimPrefix(g.server.URL, "http://")
}

// Close shuts down the server and all stream connections.
func (g *MockGateway) Close() {
	g.CloseStreams()
	g.server.Close()
}

// PressButton confirms pending claims, like the physical button.
func (g *MockGateway) PressButton() {
	g.mu.Lock()
	g.buttonPressed = true
	g.mu.Unlock()
}

// RejectClaims makes the claim endpoint deny all requests.
func (g *MockGateway) RejectClaims() {
	g.mu.Lock()
	g.rejectClaims = true
	g.mu.Unlock()
}

// SetSiteName overrides the site name; empty simulates an installation
// that was never finalized.
func (g *MockGateway) SetSiteName(name string) {
	g.mu.Lock()
	g.siteName = name
	g.mu.Unlock()
}

// AddRoom registers a room fixture.
func (g *MockGateway) AddRoom(r Room) {
	g.mu.Lock()
	g.rooms = append(g.rooms, r)
	g.mu.Unlock()
}

// AddDevice registers a device fixture.
func (g *MockGateway) AddDevice(d Device) {
	g.mu.Lock()
	g.devices = append(g.devices, d)
	g.mu.Unlock()
}

// AddLoad registers a load fixture with its initial state.
func (g *MockGateway) AddLoad(l Load, state map[string]interface{}) {
	g.mu.Lock()
	g.loads = append(g.loads, l)
	g.states[l.ID] = state
	g.mu.Unlock()
}

// AddScene registers a scene fixture.
func (g *MockGateway) AddScene(s Scene) {
	g.mu.Lock()
	g.scenes = append(g.scenes, s)
	g.mu.Unlock()
}

// Calls returns all recorded control calls.
func (g *MockGateway) Calls() []ControlCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ControlCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// FindCall returns the most recent control call matching method and
// path, or nil.
func (g *MockGateway) FindCall(method, path string) *ControlCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		if g.calls[i].Method == method && g.calls[i].Path == path {
			call := g.calls[i]
			return &call
		}
	}
	return nil
}

// PushLoadUpdate broadcasts a state-change frame on the event stream
// and records the new state.
func (g *MockGateway) PushLoadUpdate(loadID int, fields map[string]interface{}) {
	g.mu.Lock()
	if st, ok := g.states[loadID]; ok {
		for k, v := range fields {
			st[k] = v
		}
	}
	g.mu.Unlock()

	frame := map[string]interface{}{
		"load": map[string]interface{}{
			"id":    loadID,
			"state": fields,
		},
	}
	data, _ := json.Marshal(frame)
	g.broadcast(data)
}

// PushRaw broadcasts an arbitrary frame, e.g. malformed payloads.
func (g *MockGateway) PushRaw(data []byte) {
	g.broadcast(data)
}

// CloseStreams drops all event-stream connections, simulating a
// transport failure.
func (g *MockGateway) CloseStreams() {
	g.connsMu.Lock()
	for _, w := range g.conns {
		w.conn.Close()
	}
	g.conns = nil
	g.connsMu.Unlock()
}

// StreamCount returns the number of live stream connections.
func (g *MockGateway) StreamCount() int {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	return len(g.conns)
}

func (g *MockGateway) broadcast(data []byte) {
	g.connsMu.Lock()
	conns := make([]*connWrapper, len(g.conns))
	copy(conns, g.conns)
	g.connsMu.Unlock()

	for _, w := range conns {
		w.writeMu.Lock()
		w.conn.WriteMessage(websocket.TextMessage, data)
		w.writeMu.Unlock()
	}
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	payload := map[string]interface{}{"status": "success"}
	if data != nil {
		raw, _ := json.Marshal(data)
		payload["data"] = json.RawMessage(raw)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (g *MockGateway) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")

	// Claim handshake is the only unauthenticated endpoint.
	if path == "/account/claim" && r.Method == http.MethodPost {
		g.handleClaim(w, r)
		return
	}

	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Event stream upgrade on the API root.
	if path == "" || path == "/" {
		g.handleStream(w, r)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case path == "/account" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, map[string]string{"user": "installer"})

	case path == "/info" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, map[string]string{
			"sn": "GW-0001", "sw": "6.2.14", "api": "5", "hostname": "wiser-test",
		})

	case path == "/site" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, map[string]string{"name": g.siteName})

	case path == "/rooms" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, g.rooms)

	case path == "/devices/*" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, g.devices)

	case path == "/loads" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, g.loads)

	case path == "/loads/state" && r.Method == http.MethodGet:
		states := make([]map[string]interface{}, 0, len(g.states))
		for id, st := range g.states {
			states = append(states, map[string]interface{}{"id": id, "state": st})
		}
		writeEnvelope(w, http.StatusOK, states)

	case path == "/scenes" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, g.scenes)

	case path == "/net/wlan/rssi" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, map[string]int{"rssi": -58})

	default:
		g.handleControl(w, r, path)
	}
}

// handleControl records writes and answers generic success. Target
// state changes are acknowledged but never broadcast: confirmed state
// only arrives via PushLoadUpdate, like the real gateway.
func (g *MockGateway) handleControl(w http.ResponseWriter, r *http.Request, path string) {
	var body map[string]interface{}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	g.calls = append(g.calls, ControlCall{
		Method: r.Method,
		Path:   path,
		Body:   body,
		Time:   time.Now(),
	})

	switch {
	case strings.HasSuffix(path, "/target_state") && r.Method == http.MethodPut:
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(path, "/loads/"), "/target_state"))
		if err != nil || g.states[id] == nil {
			http.Error(w, fmt.Sprintf(`{"status":"error","message":"unknown load %d"}`, id), http.StatusNotFound)
			return
		}
		writeEnvelope(w, http.StatusOK, nil)

	case strings.HasSuffix(path, "/trigger"),
		strings.HasSuffix(path, "/ping"),
		strings.HasSuffix(path, "/apply"),
		strings.Contains(path, "/inputs/"):
		writeEnvelope(w, http.StatusOK, nil)

	case strings.HasSuffix(path, "/config"):
		deviceID := strings.TrimSuffix(strings.TrimPrefix(path, "/devices/"), "/config")
		for _, d := range g.devices {
			if d.ID == deviceID {
				writeEnvelope(w, http.StatusOK, map[string]interface{}{
					"id": "cfg-" + deviceID, "inputs": d.Inputs,
				})
				return
			}
		}
		http.Error(w, `{"status":"error","message":"unknown device"}`, http.StatusNotFound)

	default:
		http.Error(w, `{"status":"error","message":"no such endpoint"}`, http.StatusNotFound)
	}
}

func (g *MockGateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	rejected := g.rejectClaims
	pressed := g.buttonPressed
	g.mu.Unlock()

	if rejected {
		http.Error(w, "claim rejected", http.StatusForbidden)
		return
	}
	if !pressed {
		http.Error(w, "waiting for button", http.StatusUnauthorized)
		return
	}

	writeEnvelope(w, http.StatusOK, map[string]string{
		"secret": g.token,
		"user":   "installer",
	})
}

func (g *MockGateway) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+g.token
}

func (g *MockGateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wrapper := &connWrapper{conn: conn}
	g.connsMu.Lock()
	g.conns = append(g.conns, wrapper)
	g.connsMu.Unlock()

	defer func() {
		g.connsMu.Lock()
		for i, c := range g.conns {
			if c == wrapper {
				g.conns = append(g.conns[:i], g.conns[i+1:]...)
				break
			}
		}
		g.connsMu.Unlock()
		conn.Close()
	}()

	// Answer pings so the client's heartbeat stays satisfied, and keep
	// reading until the peer goes away.
	conn.SetPingHandler(func(appData string) error {
		wrapper.writeMu.Lock()
		defer wrapper.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
