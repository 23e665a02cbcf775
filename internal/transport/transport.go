// Package transport defines the capability boundary to the low-power
// wireless link. The real driver lives outside this module; the core only
// relies on these primitives.
package transport

import "context"

// Advertisement is one sighting of a device during a discovery window.
type Advertisement struct {
	TransportID string
	Address     string
	Name        string
	RSSI        int
}

// Transport is the opaque low-power link. Implementations must be safe for
// concurrent use across device IDs; per-device calls are serialized by the
// device manager.
type Transport interface {
	// Scan opens a discovery window and invokes onAdvert for every
	// advertisement until StopScan is called or ctx is done.
	Scan(ctx context.Context, onAdvert func(Advertisement)) error
	StopScan()

	// Connect establishes a link to the device, honoring ctx cancellation.
	Connect(ctx context.Context, deviceID string) error
	Disconnect(deviceID string) error

	// Write sends one payload to the device's command endpoint.
	Write(deviceID string, payload []byte) error

	// Subscribe registers onNotify for the device's notification endpoint.
	// Repeated calls for the same device replace the handler.
	Subscribe(deviceID string, onNotify func([]byte)) error
	Unsubscribe(deviceID string) error

	// RequestMTU negotiates a larger transmission unit and returns the
	// granted value. Best effort; errors are non-fatal to callers.
	RequestMTU(deviceID string, mtu int) (int, error)
}
