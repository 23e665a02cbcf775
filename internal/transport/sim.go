package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Simulator is an in-process Transport that fabricates a fleet of survey
// devices. It exists for development and demos on machines without the real
// radio; the daemon falls back to it when no driver is configured.
type Simulator struct {
	mu       sync.Mutex
	devices  []Advertisement
	handlers map[string]func([]byte)
	stop     context.CancelFunc
}

// NewSimulator fabricates count devices with the given name prefix.
func NewSimulator(count int, namePrefix string) *Simulator {
	devices := make([]Advertisement, 0, count)
	for i := 0; i < count; i++ {
		devices = append(devices, Advertisement{
			TransportID: fmt.Sprintf("sim-%04d", i+1),
			Address:     fmt.Sprintf("00:SIM:%04d", i+1),
			Name:        fmt.Sprintf("%s%04d", namePrefix, i+1),
			RSSI:        -40 - rand.Intn(50),
		})
	}
	return &Simulator{devices: devices, handlers: map[string]func([]byte){}}
}

func (s *Simulator) Scan(ctx context.Context, onAdvert func(Advertisement)) error {
	scanCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, adv := range s.devices {
			adv.RSSI += rand.Intn(7) - 3
			onAdvert(adv)
		}
		select {
		case <-scanCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Simulator) StopScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *Simulator) Connect(ctx context.Context, deviceID string) error {
	select {
	case <-time.After(50 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) Disconnect(deviceID string) error { return nil }

// Write answers each command with a plausible canned notification on the
// subscribed handler, after a short radio-ish delay.
func (s *Simulator) Write(deviceID string, payload []byte) error {
	var cmd struct {
		Cmd          string `json:"cmd"`
		CampaignID   *int   `json:"campaignId"`
		WithHandover *bool  `json:"withHandover"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}

	s.mu.Lock()
	h := s.handlers[deviceID]
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	go func() {
		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)
		h(s.respond(deviceID, cmd.Cmd, cmd.CampaignID, cmd.WithHandover != nil && *cmd.WithHandover))
	}()
	return nil
}

func (s *Simulator) respond(deviceID, cmd string, campaignID *int, withHandover bool) []byte {
	switch cmd {
	case "request-files":
		campaign := 1
		if campaignID != nil {
			campaign = *campaignID
		}
		resp := map[string]any{
			"type":  "files-listing",
			"ok":    true,
			"count": 2,
			"files": []map[string]any{
				{"name": fmt.Sprintf("c%d/rec-001.wav", campaign), "size": 1 << 20, "campaignId": campaign},
				{"name": fmt.Sprintf("c%d/rec-002.wav", campaign), "size": 2 << 20, "campaignId": campaign},
			},
		}
		if withHandover {
			resp["ssid"] = fmt.Sprintf("SURV-AP-%s", deviceID)
			resp["password"] = "simulated"
			resp["host"] = "192.168.4.1"
			resp["port"] = 8080
		}
		data, _ := json.Marshal(resp)
		return data
	default:
		data, _ := json.Marshal(map[string]any{
			"type": "device-status", "battery": 50 + rand.Intn(50),
			"storageFree": int64(4) << 30, "recording": false, "firmware": "sim-1.0",
		})
		return data
	}
}

func (s *Simulator) Subscribe(deviceID string, onNotify func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[deviceID] = onNotify
	return nil
}

func (s *Simulator) Unsubscribe(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, deviceID)
	return nil
}

func (s *Simulator) RequestMTU(deviceID string, mtu int) (int, error) {
	if mtu > 247 {
		return 247, nil
	}
	return mtu, nil
}
