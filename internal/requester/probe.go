package requester

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ProbeResult summarizes one gateway reachability probe.
type ProbeResult struct {
	Sent     int
	Received int
	AvgRTT   time.Duration
}

// Pinger checks that an address answers on the tunnel.
type Pinger interface {
	Ping(ctx context.Context, addr string) (ProbeResult, error)
}

// ICMPPinger sends ICMP echo requests with pro-bing.
type ICMPPinger struct {
	Count   int
	Timeout time.Duration
	// Privileged selects raw sockets instead of unprivileged UDP pings.
	Privileged bool
}

// NewICMPPinger returns a pinger sending count echo requests.
func NewICMPPinger(count int) *ICMPPinger {
	if count <= 0 {
		count = 4
	}
	return &ICMPPinger{
		Count:      count,
		Timeout:    time.Duration(count+2) * time.Second,
		Privileged: true,
	}
}

// Ping sends the echo requests and waits for the replies or the timeout.
func (p *ICMPPinger) Ping(ctx context.Context, addr string) (ProbeResult, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ping %s: %w", addr, err)
	}
	pinger.Count = p.Count
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("ping %s: %w", addr, err)
	}

	stats := pinger.Statistics()
	res := ProbeResult{Sent: stats.PacketsSent, Received: stats.PacketsRecv, AvgRTT: stats.AvgRtt}
	if res.Received == 0 {
		return res, fmt.Errorf("ping %s: no replies to %d requests", addr, res.Sent)
	}
	return res, nil
}
