package backend

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
)

const (
	defaultSTUNServer = "stun.l.google.com:19302"
	probeRetries      = 3
	probeTimeout      = 5 * time.Second
	// A successful probe is trusted for this long before we go back out.
	probeCacheWindow = 30 * time.Second
)

// Reachability answers "do we have a working path to the internet" by
// issuing STUN binding requests. Results are cached briefly so the sync
// engine can poll it cheaply.
type Reachability struct {
	stunServer string
	logger     *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	lastOK    bool
}

// NewReachability uses the given STUN server, or a public default when empty.
func NewReachability(stunServer string, logger *slog.Logger) *Reachability {
	if stunServer == "" {
		stunServer = defaultSTUNServer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reachability{stunServer: stunServer, logger: logger}
}

// Reachable reports whether the last probe (at most probeCacheWindow old)
// succeeded, probing again when the cached answer has gone stale.
func (r *Reachability) Reachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) < probeCacheWindow {
		return r.lastOK
	}
	r.lastOK = r.probe()
	r.lastCheck = time.Now()
	return r.lastOK
}

func (r *Reachability) probe() bool {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		r.logger.Debug("reachability probe: udp listen failed", "error", err)
		return false
	}
	defer conn.Close()

	stunAddr, err := net.ResolveUDPAddr("udp", r.stunServer)
	if err != nil {
		r.logger.Debug("reachability probe: resolve failed", "server", r.stunServer, "error", err)
		return false
	}

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	buffer := make([]byte, 1024)

	for i := 0; i < probeRetries; i++ {
		conn.SetWriteDeadline(time.Now().Add(probeTimeout))
		if _, err := conn.WriteToUDP(message.Raw, stunAddr); err != nil {
			continue
		}

		conn.SetReadDeadline(time.Now().Add(probeTimeout))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			continue
		}

		response := &stun.Message{Raw: append([]byte(nil), buffer[:n]...)}
		if err := response.Decode(); err != nil {
			continue
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(response); err != nil {
			continue
		}
		r.logger.Debug("reachability probe ok", "public_ip", mapped.IP.String(), "public_port", mapped.Port)
		return true
	}
	r.logger.Debug("reachability probe failed", "server", r.stunServer, "attempts", probeRetries)
	return false
}
