package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisersync/internal/gateway"
	"wisersync/internal/graph"
	"wisersync/pkg/testutil"
)

type update struct {
	loadID int
	fields map[string]interface{}
}

func testGraph() *graph.Graph {
	g := graph.New()
	g.Replace(&graph.Snapshot{
		Rooms:   map[int]*graph.Room{},
		Devices: map[string]*graph.Device{"dev1": {ID: "dev1", LoadIDs: []int{1}}},
		Loads:   map[int]*graph.Load{1: {ID: 1, Kind: graph.KindDimmer, DeviceID: "dev1"}},
		Scenes:  map[int]*graph.Scene{},
	})
	return g
}

func startDispatcher(t *testing.T, gw *testutil.MockGateway, g *graph.Graph) *Dispatcher {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	session := gateway.NewSession(gw.Host(), "installer", logger)
	session.Resume("secret-token")

	d := NewDispatcher(session, g, logger)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	// The server registers the stream just after the handshake returns.
	require.Eventually(t, func() bool { return gw.StreamCount() == 1 },
		time.Second, 10*time.Millisecond)
	return d
}

func TestDispatcher_DeliversUpdatesInOrder(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	g := testGraph()
	d := startDispatcher(t, gw, g)

	updates := make(chan update, 8)
	sub := d.Subscribe(1, func(loadID int, fields map[string]interface{}) {
		updates <- update{loadID, fields}
	})
	defer sub.Unsubscribe()

	gw.PushLoadUpdate(1, map[string]interface{}{"bri": 80})
	gw.PushLoadUpdate(1, map[string]interface{}{"bri": 60})

	first := receiveUpdate(t, updates)
	second := receiveUpdate(t, updates)
	assert.EqualValues(t, 80, first.fields["bri"])
	assert.EqualValues(t, 60, second.fields["bri"])

	load, ok := g.Load(1)
	require.True(t, ok)
	v, _ := load.Field("bri")
	assert.EqualValues(t, 60, v, "graph reflects the last confirmed event")

	assert.Equal(t, StateSynced, d.State())
}

func TestDispatcher_MalformedFrameDegrades(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	g := testGraph()
	d := startDispatcher(t, gw, g)

	gw.PushRaw([]byte(`{"load": "not an object"}`))

	require.Eventually(t, func() bool { return d.State() == StateDegraded },
		time.Second, 10*time.Millisecond)
	assert.True(t, g.Stale(), "malformed frame marks last-known values stale")

	// The next well-formed frame restores the stream.
	gw.PushLoadUpdate(1, map[string]interface{}{"bri": 10})
	require.Eventually(t, func() bool { return d.State() == StateSynced },
		time.Second, 10*time.Millisecond)
}

func TestDispatcher_DropsUnknownLoadEvents(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	g := testGraph()
	d := startDispatcher(t, gw, g)

	updates := make(chan update, 8)
	sub := d.Subscribe(1, func(loadID int, fields map[string]interface{}) {
		updates <- update{loadID, fields}
	})
	defer sub.Unsubscribe()

	gw.PushLoadUpdate(99, map[string]interface{}{"bri": 1})
	gw.PushLoadUpdate(1, map[string]interface{}{"bri": 2})

	got := receiveUpdate(t, updates)
	assert.Equal(t, 1, got.loadID, "event for an unknown load is dropped silently")
	assert.Equal(t, StateSynced, d.State())
}

func TestDispatcher_SubscriptionLifecycle(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	d := startDispatcher(t, gw, testGraph())

	sub1 := d.Subscribe(1, func(int, map[string]interface{}) {})
	d.Subscribe(1, func(int, map[string]interface{}) {})
	assert.Equal(t, []int{1}, d.SubscribedLoads())

	sub1.Unsubscribe()
	assert.Equal(t, []int{1}, d.SubscribedLoads(), "one handler remains")

	d.Stop()
	assert.Empty(t, d.SubscribedLoads(), "stop clears all subscriptions")
	assert.Equal(t, StateDisconnected, d.State())
}

func TestDispatcher_StartStop(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	logger, _ := zap.NewDevelopment()
	session := gateway.NewSession(gw.Host(), "installer", logger)
	session.Resume("secret-token")
	d := NewDispatcher(session, testGraph(), logger)

	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), gateway.ErrAlreadyConnected)

	d.Stop()
	d.Stop() // idempotent
	assert.Equal(t, StateDisconnected, d.State())

	// The dispatcher can be reopened after a clean stop.
	require.NoError(t, d.Start())
	d.Stop()
}

func TestDispatcher_StartAuthFailures(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	logger, _ := zap.NewDevelopment()

	t.Run("no credential fails before dialing", func(t *testing.T) {
		session := gateway.NewSession(gw.Host(), "installer", logger)
		d := NewDispatcher(session, testGraph(), logger)
		assert.ErrorIs(t, d.Start(), gateway.ErrAuthInvalid)
	})

	t.Run("rejected credential is invalidated", func(t *testing.T) {
		session := gateway.NewSession(gw.Host(), "installer", logger)
		session.Resume("wrong-token")
		d := NewDispatcher(session, testGraph(), logger)

		assert.ErrorIs(t, d.Start(), gateway.ErrAuthInvalid)
		assert.False(t, session.Valid())
		assert.Equal(t, StateDisconnected, d.State())
	})
}

func TestDispatcher_TransportFailure(t *testing.T) {
	gw := testutil.NewMockGateway("secret-token")
	defer gw.Close()

	g := testGraph()
	d := startDispatcher(t, gw, g)

	sub := d.Subscribe(1, func(int, map[string]interface{}) {})
	defer sub.Unsubscribe()

	gw.CloseStreams()

	require.Eventually(t, func() bool { return d.State() == StateDisconnected },
		time.Second, 10*time.Millisecond)
	assert.True(t, g.Stale())
	assert.Equal(t, []int{1}, d.SubscribedLoads(),
		"subscriptions survive a transport failure for the reconnect")
}

func TestDispatcher_MissedHeartbeatDegrades(t *testing.T) {
	// A bare stream endpoint that never answers pings.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	session := gateway.NewSession(strings.TrimPrefix(server.URL, "http://"), "installer", logger)
	session.Resume("secret-token")

	g := testGraph()
	d := NewDispatcher(session, g, logger)
	d.SetHeartbeatInterval(20 * time.Millisecond)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool { return d.State() == StateDegraded },
		time.Second, 10*time.Millisecond)
	assert.True(t, g.Stale())
}

func receiveUpdate(t *testing.T, ch <-chan update) update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for load update")
		return update{}
	}
}
