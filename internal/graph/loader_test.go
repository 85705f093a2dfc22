package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisersync/internal/gateway"
	"wisersync/pkg/testutil"
)

func newLoaderFixture(t *testing.T, strict bool) (*testutil.MockGateway, *Loader) {
	t.Helper()
	gw := testutil.NewMockGateway("secret-token")
	t.Cleanup(gw.Close)

	logger, _ := zap.NewDevelopment()
	session := gateway.NewSession(gw.Host(), "installer", logger)
	session.Resume("secret-token")
	client := gateway.NewClient(session, logger)

	return gw, NewLoader(client, strict, logger)
}

func completeBlock(serial string) testutil.DeviceBlock {
	return testutil.DeviceBlock{
		CommRef:   "3406.B",
		CommName:  "WDM 2K",
		SerialNr:  serial,
		FwVersion: "1.2.3",
	}
}

func populate(gw *testutil.MockGateway) {
	gw.AddRoom(testutil.Room{ID: 10, Name: "Living Room"})
	gw.AddDevice(testutil.Device{
		ID:      "dev1",
		A:       completeBlock("A100"),
		C:       completeBlock("C100"),
		Outputs: []testutil.Output{{Load: 1}, {Load: 2}},
		Inputs:  []testutil.Input{{}, {}},
	})
	wlan := completeBlock("C200")
	wlan.CommRef = "3440.B"
	gw.AddDevice(testutil.Device{
		ID: "gwdev",
		A:  completeBlock("A200"),
		C:  wlan,
	})
	gw.AddLoad(testutil.Load{ID: 1, Channel: 0, Type: "dim", Device: "dev1", Room: 10, Name: "Ceiling"},
		map[string]interface{}{"bri": 100})
	gw.AddLoad(testutil.Load{ID: 2, Channel: 1, Type: "motor", Device: "dev1", Room: 10, Name: "Blinds"},
		map[string]interface{}{"level": 0, "tilt": 2})
	gw.AddScene(testutil.Scene{ID: 5, Name: "Movie Night", Job: 42, Loads: []int{1}})
}

func TestLoader_Load(t *testing.T) {
	gw, loader := newLoaderFixture(t, true)
	populate(gw)

	snap, err := loader.Load(context.Background())
	require.NoError(t, err)

	assert.Len(t, snap.Rooms, 1)
	assert.Len(t, snap.Devices, 2)
	assert.Len(t, snap.Loads, 2)
	assert.Len(t, snap.Scenes, 1)

	dev := snap.Devices["dev1"]
	require.NotNil(t, dev)
	assert.Equal(t, []int{1, 2}, dev.LoadIDs)
	assert.Equal(t, "A100_C100", dev.SerialNumber())
	assert.False(t, dev.IsGateway)

	require.NotNil(t, snap.Gateway, "WLAN device is recognized as the gateway")
	assert.Equal(t, "gwdev", snap.Gateway.ID)
	assert.True(t, snap.Gateway.IsGateway)
	assert.True(t, snap.Gateway.LoadLess())

	ceiling := snap.Loads[1]
	require.NotNil(t, ceiling)
	assert.Equal(t, KindDimmer, ceiling.Kind)
	v, ok := ceiling.Field("bri")
	require.True(t, ok, "initial state is seeded from the bulk fetch")
	assert.EqualValues(t, 100, v)

	scene := snap.Scenes[5]
	require.NotNil(t, scene)
	assert.Equal(t, 42, scene.JobID)
}

func TestLoader_SiteNotCommissioned(t *testing.T) {
	gw, loader := newLoaderFixture(t, true)
	gw.SetSiteName("")

	_, err := loader.Load(context.Background())
	assert.ErrorIs(t, err, gateway.ErrNoSiteInfo)
}

func TestLoader_DeviceValidation(t *testing.T) {
	broken := func(gw *testutil.MockGateway) {
		incomplete := completeBlock("C300")
		incomplete.SerialNr = ""
		gw.AddDevice(testutil.Device{
			ID: "broken",
			A:  completeBlock("A300"),
			C:  incomplete,
		})
	}

	t.Run("strict load fails on a missing field", func(t *testing.T) {
		gw, loader := newLoaderFixture(t, true)
		populate(gw)
		broken(gw)

		_, err := loader.Load(context.Background())
		require.Error(t, err)

		var incErr *gateway.IncompleteDeviceDataError
		require.ErrorAs(t, err, &incErr)
		assert.Equal(t, "broken", incErr.DeviceID)
		assert.Equal(t, "c.serial_nr", incErr.Field)
	})

	t.Run("lax load keeps the device", func(t *testing.T) {
		gw, loader := newLoaderFixture(t, false)
		populate(gw)
		broken(gw)

		snap, err := loader.Load(context.Background())
		require.NoError(t, err)
		assert.Contains(t, snap.Devices, "broken")
	})
}

func TestLoader_SkipsOrphanLoads(t *testing.T) {
	gw, loader := newLoaderFixture(t, true)
	populate(gw)
	gw.AddLoad(testutil.Load{ID: 9, Type: "onoff", Device: "missing"}, nil)

	snap, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, snap.Loads, 9, "load on an unknown device is dropped")
	assert.Len(t, snap.Loads, 2)
}

func TestLoader_RejectsDuplicateIDs(t *testing.T) {
	gw, loader := newLoaderFixture(t, true)
	populate(gw)
	gw.AddRoom(testutil.Room{ID: 10, Name: "Duplicate"})

	_, err := loader.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate room id 10")
}
