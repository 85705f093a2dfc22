package gateway

import (
	"fmt"
	"strings"
)

// DeviceRef is the decoded form of a device comm reference like
// "3406.B". The model number identifies the hardware family; WLAN
// capability marks the device acting as the gateway for the network.
type DeviceRef struct {
	Model      string
	Generation string
	WLAN       bool
}

// wlanModels are the hardware families with WLAN capability. Exactly
// one such device is expected per installation: the gateway itself.
var wlanModels = map[string]bool{
	"3440": true,
}

// ParseDeviceRef decodes a comm reference string. The generation
// suffix is optional; first-generation hardware omits it.
func ParseDeviceRef(commRef string) DeviceRef {
	ref := DeviceRef{Generation: "A"}

	parts := strings.Split(commRef, ".")
	if len(parts) > 0 {
		ref.Model = strings.TrimPrefix(parts[0], "926-")
	}
	if len(parts) > 1 && parts[len(parts)-1] != "" {
		ref.Generation = parts[len(parts)-1]
	}

	ref.WLAN = wlanModels[ref.Model]
	return ref
}

// RGBHex renders an RGB triple as the "#rrggbb" string the gateway
// expects for status-light colors.
func RGBHex(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}
