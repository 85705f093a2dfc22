package bridge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisersync/internal/config"
	"wisersync/internal/gateway"
	"wisersync/pkg/testutil"
)

func testConfig(gw *testutil.MockGateway, token string) *config.Config {
	return &config.Config{
		Host:                 gw.Host(),
		Username:             "installer",
		Token:                token,
		StrictValidation:     true,
		ReconnectMaxAttempts: 5,
		ClaimTimeout:         2 * time.Second,
		RequestTimeout:       2 * time.Second,
		HeartbeatInterval:    30 * time.Second,
	}
}

func populateGateway(gw *testutil.MockGateway) {
	gw.AddRoom(testutil.Room{ID: 10, Name: "Living Room"})
	block := func(serial string) testutil.DeviceBlock {
		return testutil.DeviceBlock{CommRef: "3406.B", SerialNr: serial, FwVersion: "1.0"}
	}
	gw.AddDevice(testutil.Device{
		ID:      "dev1",
		A:       block("A100"),
		C:       block("C100"),
		Outputs: []testutil.Output{{Load: 1}},
		Inputs:  []testutil.Input{{}, {}},
	})
	gw.AddLoad(testutil.Load{ID: 1, Channel: 0, Type: "dim", Device: "dev1", Room: 10, Name: "Ceiling"},
		map[string]interface{}{"bri": 100})
	gw.AddScene(testutil.Scene{ID: 5, Name: "Movie Night", Job: 42, Loads: []int{1}})
}

func connect(t *testing.T, gw *testutil.MockGateway, token string) *Handle {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	handle, err := Connect(context.Background(), testConfig(gw, token), logger)
	require.NoError(t, err)
	t.Cleanup(handle.Disconnect)
	return handle
}

func TestConnect_ClaimHandshake(t *testing.T) {
	gw := testutil.NewMockGateway("fresh-token")
	defer gw.Close()
	populateGateway(gw)
	gw.PressButton()

	handle := connect(t, gw, "")

	token, err := handle.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token, "claimed token is exposed for persistence")

	g := handle.Graph()
	assert.False(t, g.Stale())
	assert.Len(t, g.Loads(), 1)
	assert.Equal(t, []string{"dev1_0"}, g.HostDeviceIDs())
}

func TestConnect_ResumeStoredToken(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	populateGateway(gw)

	handle := connect(t, gw, "stored-token")
	assert.Len(t, handle.Graph().Loads(), 1)
}

func TestConnect_RejectsBadToken(t *testing.T) {
	gw := testutil.NewMockGateway("good-token")
	defer gw.Close()
	populateGateway(gw)

	logger, _ := zap.NewDevelopment()
	_, err := Connect(context.Background(), testConfig(gw, "bad-token"), logger)
	assert.ErrorIs(t, err, gateway.ErrAuthInvalid)
}

func TestConnect_UncommissionedSite(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	gw.SetSiteName("")

	logger, _ := zap.NewDevelopment()
	_, err := Connect(context.Background(), testConfig(gw, "stored-token"), logger)
	assert.ErrorIs(t, err, gateway.ErrNoSiteInfo)
}

func TestHandle_SubscribeAndPush(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	populateGateway(gw)

	handle := connect(t, gw, "stored-token")

	updates := make(chan map[string]interface{}, 4)
	sub, err := handle.Subscribe(1, func(loadID int, fields map[string]interface{}) {
		updates <- fields
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = handle.Subscribe(99, func(int, map[string]interface{}) {})
	assert.ErrorIs(t, err, gateway.ErrUnknownLoad)

	require.Eventually(t, func() bool { return gw.StreamCount() == 1 },
		time.Second, 10*time.Millisecond)
	gw.PushLoadUpdate(1, map[string]interface{}{"bri": 25})

	select {
	case fields := <-updates:
		assert.EqualValues(t, 25, fields["bri"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for load update")
	}

	load, ok := handle.Graph().Load(1)
	require.True(t, ok)
	v, _ := load.Field("bri")
	assert.EqualValues(t, 25, v)
}

func TestHandle_SendCommand(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	populateGateway(gw)

	handle := connect(t, gw, "stored-token")
	ctx := context.Background()

	require.NoError(t, handle.SendCommand(ctx, 1, map[string]interface{}{"bri": 50}))

	call := gw.FindCall(http.MethodPut, "/loads/1/target_state")
	require.NotNil(t, call)
	assert.EqualValues(t, 50, call.Body["bri"])

	// Commands never update the graph; confirmation comes on the stream.
	load, _ := handle.Graph().Load(1)
	v, _ := load.Field("bri")
	assert.EqualValues(t, 100, v)

	err := handle.SendCommand(ctx, 99, map[string]interface{}{"bri": 1})
	assert.ErrorIs(t, err, gateway.ErrUnknownLoad)
	assert.Nil(t, gw.FindCall(http.MethodPut, "/loads/99/target_state"),
		"unknown load fails before any network call")
}

func TestHandle_TriggerScene(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	populateGateway(gw)

	handle := connect(t, gw, "stored-token")

	require.NoError(t, handle.TriggerScene(context.Background(), 5))
	assert.NotNil(t, gw.FindCall(http.MethodGet, "/jobs/42/trigger"),
		"scene fires through its backing job")

	assert.Error(t, handle.TriggerScene(context.Background(), 99))
}

func TestHandle_DeviceOperations(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	populateGateway(gw)

	handle := connect(t, gw, "stored-token")
	ctx := context.Background()

	require.NoError(t, handle.PingDevice(ctx, "dev1"))
	assert.NotNil(t, gw.FindCall(http.MethodGet, "/devices/dev1/ping"))
	assert.Error(t, handle.PingDevice(ctx, "nope"))

	light := gateway.StatusLight{Color: gateway.RGBHex(0, 0, 255), ForegroundBri: 60, BackgroundBri: 10}
	require.NoError(t, handle.SetStatusLight(ctx, "dev1", 0, light))
	assert.NotNil(t, gw.FindCall(http.MethodPut, "/devices/config/cfg-dev1/apply"))
}

func TestHandle_Disconnect(t *testing.T) {
	gw := testutil.NewMockGateway("stored-token")
	defer gw.Close()
	populateGateway(gw)

	handle := connect(t, gw, "stored-token")

	handle.Disconnect()
	handle.Disconnect() // idempotent

	assert.NoError(t, handle.Err())
	require.Eventually(t, func() bool { return gw.StreamCount() == 0 },
		time.Second, 10*time.Millisecond)
}
