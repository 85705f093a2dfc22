package gateway

import "encoding/json"

// envelope is the response wrapper used by every REST endpoint on the
// gateway: {"status": "...", "data": ..., "message": "..."}.
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// claimRequest is the body of POST /api/account/claim.
type claimRequest struct {
	User   string `json:"user"`
	Source string `json:"source"`
}

// claimResponse carries the access token once the button is confirmed.
type claimResponse struct {
	Secret string `json:"secret"`
	User   string `json:"user"`
}

// Info describes the gateway itself (GET /api/info).
type Info struct {
	SerialNumber string `json:"sn"`
	SoftwareVer  string `json:"sw"`
	APIVersion   string `json:"api"`
	Hostname     string `json:"hostname"`
}

// SiteInfo describes the commissioned installation (GET /api/site).
type SiteInfo struct {
	Name string `json:"name"`
}

// RoomRecord is a room as returned by GET /api/rooms.
type RoomRecord struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DeviceBlock describes one half of a physical device. Wiser devices
// are a control front (buttons) mounted on an actuator base; both
// report their own firmware and serial number.
type DeviceBlock struct {
	CommRef   string `json:"comm_ref"`
	CommName  string `json:"comm_name"`
	SerialNr  string `json:"serial_nr"`
	FwVersion string `json:"fw_version"`
}

// DeviceOutput references a load driven by a device output channel.
type DeviceOutput struct {
	Load int    `json:"load"`
	Type string `json:"type,omitempty"`
}

// DeviceInput is an input channel (button) on a device.
type DeviceInput struct {
	Type string `json:"type,omitempty"`
}

// DeviceRecord is a device as returned by GET /api/devices/*.
type DeviceRecord struct {
	ID       string         `json:"id"`
	LastSeen int            `json:"last_seen,omitempty"`
	A        DeviceBlock    `json:"a"`
	C        DeviceBlock    `json:"c"`
	Outputs  []DeviceOutput `json:"outputs"`
	Inputs   []DeviceInput  `json:"inputs"`
}

// CombinedSerialNumber joins the actuator and control serial numbers,
// which together identify the physical unit.
func (d DeviceRecord) CombinedSerialNumber() string {
	if d.C.SerialNr == "" || d.C.SerialNr == d.A.SerialNr {
		return d.A.SerialNr
	}
	return d.A.SerialNr + "_" + d.C.SerialNr
}

// LoadRecord is a load as returned by GET /api/loads.
type LoadRecord struct {
	ID      int    `json:"id"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	SubType string `json:"sub_type,omitempty"`
	Device  string `json:"device"`
	Room    int    `json:"room,omitempty"`
	Name    string `json:"name,omitempty"`
}

// LoadStateRecord is an entry of GET /api/loads/state and the target
// of PUT /api/loads/{id}/target_state.
type LoadStateRecord struct {
	ID    int                    `json:"id"`
	State map[string]interface{} `json:"state"`
}

// SceneRecord is a scene as returned by GET /api/scenes. Scenes are
// triggered through their backing job on the gateway.
type SceneRecord struct {
	ID    int    `json:"id"`
	Name  string `json:"sceneButton,omitempty"`
	Job   int    `json:"job"`
	Loads []int  `json:"loads,omitempty"`
}

// DeviceConfig is the editable configuration of a device
// (GET /api/devices/{id}/config). Status-LED updates modify an input
// of this config, then apply it.
type DeviceConfig struct {
	ID     string        `json:"id"`
	Inputs []DeviceInput `json:"inputs,omitempty"`
}

// StatusLight is the button illumination configuration for a single
// input channel of a device.
type StatusLight struct {
	Color         string `json:"color"`
	ForegroundBri int    `json:"foreground_bri"`
	BackgroundBri int    `json:"background_bri"`
}

// StreamFrame is one frame delivered on the websocket event stream:
// {"load": {"id": N, "state": {field: value, ...}}}.
type StreamFrame struct {
	Load *LoadStateRecord `json:"load"`
}
