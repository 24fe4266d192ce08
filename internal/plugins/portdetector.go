package plugins

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"grimm.is/mimosa/internal/logging"
)

// maxRangePorts caps how many listeners a single [start,end] rule may
// open. A fat-fingered range should not exhaust file descriptors.
const maxRangePorts = 1024

// PortDetector is a connection honeypot. It opens TCP and UDP listeners
// on every port its rules name and records a hit for each contact. TCP
// connections are closed immediately; UDP datagrams are read and
// discarded.
type PortDetector struct {
	pipeline *Pipeline
	log      *logging.Logger

	mu        sync.Mutex
	cfg       PortDetectorConfig
	listeners []net.Listener
	conns     []net.PacketConn
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	running   bool
}

// NewPortDetector builds the detector. Call Start to open the listeners.
func NewPortDetector(cfg PortDetectorConfig, pipeline *Pipeline) *PortDetector {
	return &PortDetector{
		pipeline: pipeline,
		cfg:      cfg,
		log:      logging.WithComponent("port_detector"),
	}
}

// Name returns the plugin name.
func (p *PortDetector) Name() string { return NamePortDetector }

// portTarget is one resolved listener with its originating rule.
type portTarget struct {
	protocol string
	port     int
	rule     PortRule
}

// expandRules flattens the configured rules into per-port targets.
// Duplicate protocol/port pairs keep the first rule, matching the
// first-match semantics of evaluation.
func (p *PortDetector) expandRules() []portTarget {
	seen := make(map[string]bool)
	var targets []portTarget
	add := func(r PortRule, port int) {
		if port < 1 || port > 65535 {
			p.log.Warn("ignoring out-of-range port", "port", port)
			return
		}
		key := fmt.Sprintf("%s/%d", r.Protocol, port)
		if seen[key] {
			return
		}
		seen[key] = true
		targets = append(targets, portTarget{protocol: r.Protocol, port: port, rule: r})
	}

	for _, r := range p.cfg.Rules {
		switch {
		case r.Port != 0:
			add(r, r.Port)
		case len(r.Ports) > 0:
			for _, port := range r.Ports {
				add(r, port)
			}
		case len(r.Range) == 2:
			start, end := r.Range[0], r.Range[1]
			if end-start+1 > maxRangePorts {
				p.log.Warn("port range truncated",
					"start", start, "end", end, "cap", maxRangePorts)
				end = start + maxRangePorts - 1
			}
			for port := start; port <= end; port++ {
				add(r, port)
			}
		}
	}
	return targets
}

// Start opens every configured listener. Ports that cannot be bound are
// logged and skipped so one conflict does not take the whole trap down.
func (p *PortDetector) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || !p.cfg.Enabled {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	opened := 0
	for _, t := range p.expandRules() {
		addr := fmt.Sprintf(":%d", t.port)
		switch t.protocol {
		case "tcp":
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				p.log.Warn("cannot bind tcp port", "port", t.port, "error", err)
				continue
			}
			p.listeners = append(p.listeners, ln)
			p.wg.Add(1)
			go p.serveTCP(runCtx, ln, t)
		case "udp":
			conn, err := net.ListenPacket("udp", addr)
			if err != nil {
				p.log.Warn("cannot bind udp port", "port", t.port, "error", err)
				continue
			}
			p.conns = append(p.conns, conn)
			p.wg.Add(1)
			go p.serveUDP(runCtx, conn, t)
		}
		opened++
	}

	p.running = true
	p.log.Info("port honeypot armed", "listeners", opened)
	return nil
}

// Stop closes every listener and waits for the accept loops to drain.
func (p *PortDetector) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	for _, ln := range p.listeners {
		ln.Close()
	}
	for _, conn := range p.conns {
		conn.Close()
	}
	p.listeners = nil
	p.conns = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure swaps the config. A running detector is restarted.
func (p *PortDetector) Reconfigure(ctx context.Context, cfg PortDetectorConfig) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return p.Start(ctx)
}

func (p *PortDetector) serveTCP(ctx context.Context, ln net.Listener, t portTarget) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Warn("accept failed", "port", t.port, "error", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		conn.Close()
		p.hit(ctx, remote, t)
	}
}

func (p *PortDetector) serveUDP(ctx context.Context, conn net.PacketConn, t portTarget) {
	defer p.wg.Done()
	buf := make([]byte, 512)
	for {
		_, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Warn("udp read failed", "port", t.port, "error", err)
			continue
		}
		p.hit(ctx, addr.String(), t)
	}
}

// hit records one contact on a trapped port.
func (p *PortDetector) hit(ctx context.Context, remote string, t portTarget) {
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}

	sev := t.rule.Severity
	if sev == "" {
		sev = p.cfg.DefaultSeverity
	}
	desc := t.rule.Description
	if desc == "" {
		desc = fmt.Sprintf("port scan %s/%d", t.protocol, t.port)
	}

	if _, err := p.pipeline.Submit(ctx, OffenseEvent{
		SourceIP:    ip,
		Description: desc,
		Plugin:      NamePortDetector,
		Severity:    sev,
		Context: map[string]any{
			"event_id": "portdetector:port_hit",
			"protocol": t.protocol,
			"port":     t.port,
		},
	}); err != nil {
		p.log.Error("failed to record port hit", "ip", ip, "port", t.port, "error", err)
	}
}
