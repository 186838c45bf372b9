package s7

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Bucher-Unipektin/s7connector/logging"
)

// DiscoveredDevice describes a PLC that completed the handshake.
type DiscoveredDevice struct {
	IP      net.IP
	Port    int
	Rack    int
	Slot    int
	PDUSize int // Negotiated PDU length
}

// probeSlots are tried in order: S7-1200/1500 (rack 0, slot 0 or 1), then
// S7-300/400 (rack 0, slot 2).
var probeSlots = [][2]int{{0, 0}, {0, 1}, {0, 2}}

// Discover probes ips for S7 PLCs by dialing port 102 and running the COTP
// handshake and PDU negotiation with common rack/slot combinations.
//
// timeout is the per-attempt timeout (default 500ms) and concurrency the
// number of parallel probes (default 20). Results are in no particular order.
func Discover(ctx context.Context, ips []net.IP, timeout time.Duration, concurrency int) []DiscoveredDevice {
	if len(ips) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 20
	}

	var (
		results []DiscoveredDevice
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

loop:
	for _, ip := range ips {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		wg.Add(1)
		go func(ip net.IP) {
			defer wg.Done()
			defer func() { <-sem }()

			if device := probe(ctx, ip, timeout); device != nil {
				mu.Lock()
				results = append(results, *device)
				mu.Unlock()
			}
		}(ip)
	}

	wg.Wait()
	return results
}

// DiscoverSubnet scans a subnet such as "192.168.1.0/24" for S7 PLCs.
func DiscoverSubnet(ctx context.Context, cidr string, timeout time.Duration, concurrency int) ([]DiscoveredDevice, error) {
	ips, err := expandCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return Discover(ctx, ips, timeout, concurrency), nil
}

func probe(ctx context.Context, ip net.IP, timeout time.Duration) *DiscoveredDevice {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(defaultS7Port))
	for _, rs := range probeSlots {
		c, err := Dial(ctx, addr, WithRackSlot(rs[0], rs[1]), WithTimeout(timeout))
		if err != nil {
			logging.DebugLog("s7/discovery", "%s rack=%d slot=%d: %v", addr, rs[0], rs[1], err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		dev := &DiscoveredDevice{
			IP:      ip,
			Port:    defaultS7Port,
			Rack:    rs[0],
			Slot:    rs[1],
			PDUSize: c.MaxPDULength(),
		}
		_ = c.Close()
		return dev
	}
	return nil
}

// expandCIDR expands a CIDR notation to a list of IP addresses.
func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CIDR: %w", ErrInvalidArgument, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, argError("subnet %s is too large to scan", cidr)
	}

	var ips []net.IP
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); inc(ip) {
		// Skip network and broadcast addresses for /24 and larger
		if bits-ones >= 8 {
			if ip[len(ip)-1] == 0 || ip[len(ip)-1] == 255 {
				continue
			}
		}
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}
	return ips, nil
}

// inc increments an IP address.
func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
