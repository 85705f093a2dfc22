package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wisersync/internal/gateway"
)

// requiredDeviceFields are the device-record fields a strict load
// insists on, checked on both the actuator and control blocks.
var requiredDeviceFields = []string{"fw_version", "serial_nr", "comm_ref"}

// Loader performs the bulk discovery calls and assembles a Snapshot.
// One Loader is reused across re-syncs; each Load call produces a
// fresh snapshot for Graph.Replace.
type Loader struct {
	client *gateway.Client
	logger *zap.Logger
	strict bool
}

// NewLoader creates a loader. When strict is true, a device record
// missing a required field fails the whole load; otherwise the field
// stays empty and loading continues. The lax mode is an escape hatch
// for gateways that return incomplete device data after certain
// firmware updates, not a correctness guarantee.
func NewLoader(client *gateway.Client, strict bool, logger *zap.Logger) *Loader {
	return &Loader{
		client: client,
		logger: logger,
		strict: strict,
	}
}

// Load performs a full discovery pass: site info, rooms, devices,
// loads, scenes, then current load states. Returns ErrNoSiteInfo when
// the installation has not been finalized; that error is terminal for
// the attempt and must not be retried automatically.
func (ld *Loader) Load(ctx context.Context) (*Snapshot, error) {
	site, err := ld.client.SiteInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch site info: %w", err)
	}
	if site.Name == "" {
		return nil, gateway.ErrNoSiteInfo
	}

	rooms, err := ld.loadRooms(ctx)
	if err != nil {
		return nil, err
	}

	devices, gw, err := ld.loadDevices(ctx)
	if err != nil {
		return nil, err
	}

	loads, err := ld.loadLoads(ctx, devices)
	if err != nil {
		return nil, err
	}

	scenes, err := ld.loadScenes(ctx)
	if err != nil {
		return nil, err
	}

	if err := ld.loadStates(ctx, loads); err != nil {
		return nil, err
	}

	ld.logger.Info("Entity graph loaded",
		zap.String("site", site.Name),
		zap.Int("rooms", len(rooms)),
		zap.Int("devices", len(devices)),
		zap.Int("loads", len(loads)),
		zap.Int("scenes", len(scenes)))

	return &Snapshot{
		Rooms:   rooms,
		Devices: devices,
		Loads:   loads,
		Scenes:  scenes,
		Gateway: gw,
	}, nil
}

func (ld *Loader) loadRooms(ctx context.Context) (map[int]*Room, error) {
	records, err := ld.client.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rooms: %w", err)
	}

	rooms := make(map[int]*Room, len(records))
	for _, rec := range records {
		if _, dup := rooms[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate room id %d in gateway response", rec.ID)
		}
		rooms[rec.ID] = &Room{ID: rec.ID, Name: rec.Name}
	}
	return rooms, nil
}

func (ld *Loader) loadDevices(ctx context.Context) (map[string]*Device, *Device, error) {
	records, err := ld.client.Devices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch devices: %w", err)
	}

	devices := make(map[string]*Device, len(records))
	var gw *Device

	for _, rec := range records {
		if err := ld.validateDevice(rec); err != nil {
			return nil, nil, err
		}
		if _, dup := devices[rec.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate device id %s in gateway response", rec.ID)
		}

		dev := &Device{
			ID:     rec.ID,
			A:      rec.A,
			C:      rec.C,
			Inputs: len(rec.Inputs),
		}
		for _, out := range rec.Outputs {
			dev.LoadIDs = append(dev.LoadIDs, out.Load)
		}

		ref := gateway.ParseDeviceRef(rec.C.CommRef)
		if ref.WLAN {
			if gw != nil && gw.SerialNumber() != dev.SerialNumber() {
				return nil, nil, fmt.Errorf("multiple WLAN devices returned: %s and %s",
					gw.SerialNumber(), dev.SerialNumber())
			}
			dev.IsGateway = true
			gw = dev
		}

		devices[rec.ID] = dev
	}

	if gw == nil {
		ld.logger.Warn("No gateway device recognized in discovery data")
	}

	return devices, gw, nil
}

// validateDevice checks the required fields on both device blocks.
func (ld *Loader) validateDevice(rec gateway.DeviceRecord) error {
	blocks := map[string]gateway.DeviceBlock{"a": rec.A, "c": rec.C}

	for blockName, block := range blocks {
		for _, field := range requiredDeviceFields {
			value := ""
			switch field {
			case "fw_version":
				value = block.FwVersion
			case "serial_nr":
				value = block.SerialNr
			case "comm_ref":
				value = block.CommRef
			}
			if value != "" {
				continue
			}

			if ld.strict {
				return &gateway.IncompleteDeviceDataError{
					DeviceID: rec.ID,
					Field:    blockName + "." + field,
				}
			}
			ld.logger.Warn("Device record has an empty required field, continuing",
				zap.String("device", rec.ID),
				zap.String("field", blockName+"."+field))
		}
	}
	return nil
}

func (ld *Loader) loadLoads(ctx context.Context, devices map[string]*Device) (map[int]*Load, error) {
	records, err := ld.client.Loads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch loads: %w", err)
	}

	loads := make(map[int]*Load, len(records))
	for _, rec := range records {
		if _, dup := loads[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate load id %d in gateway response", rec.ID)
		}
		if _, ok := devices[rec.Device]; !ok {
			ld.logger.Warn("Load references an unknown device, skipping",
				zap.Int("load", rec.ID),
				zap.String("device", rec.Device))
			continue
		}

		loads[rec.ID] = &Load{
			ID:       rec.ID,
			Channel:  rec.Channel,
			Kind:     KindOf(rec.Type),
			DeviceID: rec.Device,
			RoomID:   rec.Room,
			Name:     rec.Name,
		}
	}
	return loads, nil
}

func (ld *Loader) loadScenes(ctx context.Context) (map[int]*Scene, error) {
	records, err := ld.client.Scenes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scenes: %w", err)
	}

	scenes := make(map[int]*Scene, len(records))
	for _, rec := range records {
		if _, dup := scenes[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate scene id %d in gateway response", rec.ID)
		}
		scenes[rec.ID] = &Scene{
			ID:      rec.ID,
			Name:    rec.Name,
			JobID:   rec.Job,
			Targets: rec.Loads,
		}
	}
	return scenes, nil
}

// loadStates seeds the initial state snapshot of every load.
func (ld *Loader) loadStates(ctx context.Context, loads map[int]*Load) error {
	records, err := ld.client.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch load states: %w", err)
	}

	for _, rec := range records {
		l, ok := loads[rec.ID]
		if !ok {
			continue
		}
		l.setState(rec.State)
	}
	return nil
}
