package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds individual control and discovery calls.
// The gateway answers simple calls quickly, but compound operations
// (e.g. status-LED updates spanning multiple calls) take a few seconds.
const DefaultRequestTimeout = 5 * time.Second

// Client performs authenticated request/response calls against the
// gateway REST API. Control calls may run concurrently with each other
// and with the event-stream receive loop; the credential itself is
// owned by the Session.
type Client struct {
	session *Session
	http    *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewClient creates a REST client on top of an authenticated session.
func NewClient(session *Session, logger *zap.Logger) *Client {
	return &Client{
		session: session,
		http:    &http.Client{},
		logger:  logger,
		timeout: DefaultRequestTimeout,
	}
}

// SetRequestTimeout overrides the default per-call timeout.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.timeout = d
}

// Session returns the session this client authenticates with.
func (c *Client) Session() *Session {
	return c.session
}

// do performs one authenticated JSON call and decodes the envelope
// data into out (when out is non-nil). A 401/403 invalidates the
// credential; an invalid credential fails before any network call.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.session.Token()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	url := fmt.Sprintf("http://%s/api%s", c.session.Host(), path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	reqID := uuid.NewString()
	req.Header.Set("X-Request-Id", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.session.Invalidate()
		return ErrAuthInvalid
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return &CommandError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 || env.Status == "error" {
		c.logger.Warn("Gateway reported an error",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", reqID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", env.Message))
		return &CommandError{StatusCode: resp.StatusCode, Message: env.Message}
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode payload for %s %s: %w", method, path, err)
		}
	}

	return nil
}

// Info fetches the gateway identity (serial number, software version).
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SiteInfo fetches the commissioned installation metadata. An empty
// site name means commissioning was never finalized; the loader maps
// that to ErrNoSiteInfo.
func (c *Client) SiteInfo(ctx context.Context) (*SiteInfo, error) {
	var site SiteInfo
	if err := c.do(ctx, http.MethodGet, "/site", nil, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

// Rooms fetches all configured rooms.
func (c *Client) Rooms(ctx context.Context) ([]RoomRecord, error) {
	var rooms []RoomRecord
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Devices fetches all devices with full detail blocks.
func (c *Client) Devices(ctx context.Context) ([]DeviceRecord, error) {
	var devices []DeviceRecord
	if err := c.do(ctx, http.MethodGet, "/devices/*", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Loads fetches all configured loads.
func (c *Client) Loads(ctx context.Context) ([]LoadRecord, error) {
	var loads []LoadRecord
	if err := c.do(ctx, http.MethodGet, "/loads", nil, &loads); err != nil {
		return nil, err
	}
	return loads, nil
}

// LoadStates fetches the current state of every load.
func (c *Client) LoadStates(ctx context.Context) ([]LoadStateRecord, error) {
	var states []LoadStateRecord
	if err := c.do(ctx, http.MethodGet, "/loads/state", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// Scenes fetches all configured scenes.
func (c *Client) Scenes(ctx context.Context) ([]SceneRecord, error) {
	var scenes []SceneRecord
	if err := c.do(ctx, http.MethodGet, "/scenes", nil, &scenes); err != nil {
		return nil, err
	}
	return scenes, nil
}

// RSSI fetches the WLAN signal strength of the gateway.
func (c *Client) RSSI(ctx context.Context) (int, error) {
	var payload struct {
		RSSI int `json:"rssi"`
	}
	if err := c.do(ctx, http.MethodGet, "/net/wlan/rssi", nil, &payload); err != nil {
		return 0, err
	}
	return payload.RSSI, nil
}

// SetLoadTarget requests a new target state for a load. Confirmed
// state arrives on the event stream; the response alone is never used
// to update the graph.
func (c *Client) SetLoadTarget(ctx context.Context, loadID int, state map[string]interface{}) error {
	path := fmt.Sprintf("/loads/%d/target_state", loadID)
	return c.do(ctx, http.MethodPut, path, state, nil)
}

// TriggerJob triggers all actions of a job, which is how scenes are
// activated on the gateway side.
func (c *Client) TriggerJob(ctx context.Context, jobID int) error {
	path := fmt.Sprintf("/jobs/%d/trigger", jobID)
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// PingDevice lights up the yellow button LEDs of a device for a short
// time so the user can identify it.
func (c *Client) PingDevice(ctx context.Context, deviceID string) error {
	path := fmt.Sprintf("/devices/%s/ping", deviceID)
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// DeviceConfig fetches the editable configuration of a device.
func (c *Client) DeviceConfig(ctx context.Context, deviceID string) (*DeviceConfig, error) {
	var cfg DeviceConfig
	path := fmt.Sprintf("/devices/%s/config", deviceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetStatusLight updates the button illumination for one input channel
// of a device. The gateway requires the full fetch / modify / apply
// sequence; the three calls share the caller's context.
func (c *Client) SetStatusLight(ctx context.Context, deviceID string, channel int, light StatusLight) error {
	cfg, err := c.DeviceConfig(ctx, deviceID)
	if err != nil {
		return err
	}

	if channel < 0 || channel >= len(cfg.Inputs) {
		return &CommandError{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("device %s does not have input channel %d", deviceID, channel),
		}
	}

	path := fmt.Sprintf("/devices/config/%s/inputs/%d", cfg.ID, channel)
	if err := c.do(ctx, http.MethodPut, path, light, nil); err != nil {
		return err
	}

	applyPath := fmt.Sprintf("/devices/config/%s/apply", cfg.ID)
	return c.do(ctx, http.MethodPut, applyPath, nil, nil)
}
