package handover

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/surveylink/surveylink/pkg/types"
)

const (
	mdnsServiceType = "_surveyfs._tcp"
	mdnsDomain      = "local."

	// Devices announce their transfer server within a few seconds of
	// bringing the Wi-Fi interface up.
	defaultBrowseTimeout = 15 * time.Second
)

// Endpoint is the resolved address of a device's file transfer server on the
// handover network.
type Endpoint struct {
	Instance string
	Host     string
	Addr     net.IP
	Port     int
}

// Discover browses mDNS on the handover network for the device's transfer
// server. The credentials narrow the answer: when they carry an explicit
// host, announcements from other instances are skipped. Returns the first
// matching endpoint, falling back to the address embedded in the
// credentials when the browse window passes without an announcement.
func Discover(ctx context.Context, creds types.HandoverCredentials) (*Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, types.WrapError(types.CodeTransferFailed, err, "create mDNS resolver")
	}

	browseCtx, cancel := context.WithTimeout(ctx, defaultBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(browseCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		return nil, types.WrapError(types.CodeTransferFailed, err, "browse %s", mdnsServiceType)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return fallbackEndpoint(creds)
			}
			if entry == nil {
				continue
			}
			if creds.Host != "" && entry.HostName != "" && entry.HostName != creds.Host+"." && entry.HostName != creds.Host {
				continue
			}
			ep := &Endpoint{
				Instance: entry.Instance,
				Host:     entry.HostName,
				Port:     entry.Port,
			}
			if len(entry.AddrIPv4) > 0 {
				ep.Addr = entry.AddrIPv4[0]
			} else if len(entry.AddrIPv6) > 0 {
				ep.Addr = entry.AddrIPv6[0]
			}
			return ep, nil
		case <-browseCtx.Done():
			return fallbackEndpoint(creds)
		}
	}
}

func fallbackEndpoint(creds types.HandoverCredentials) (*Endpoint, error) {
	if creds.Host == "" {
		return nil, types.NewError(types.CodeTransferFailed, "no transfer server found on handover network %q", creds.Network)
	}
	ep := &Endpoint{Host: creds.Host, Port: creds.Port}
	if ip := net.ParseIP(creds.Host); ip != nil {
		ep.Addr = ip
	}
	return ep, nil
}

// URL renders the endpoint as a base URL using the protocol from the
// credentials (http when unset).
func (e *Endpoint) URL(creds types.HandoverCredentials) string {
	scheme := creds.Protocol
	if scheme == "" {
		scheme = "http"
	}
	host := e.Host
	if e.Addr != nil {
		host = e.Addr.String()
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, fmt.Sprintf("%d", e.Port)))
}
