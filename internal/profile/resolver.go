package profile

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver performs forward and reverse DNS lookups against a configured
// upstream. The zero upstream falls back to the system resolver config,
// then to a public resolver.
type Resolver struct {
	client   *dns.Client
	upstream string
}

// NewResolver builds a resolver. upstream is "host:port"; empty means
// autodetect from /etc/resolv.conf.
func NewResolver(upstream string) *Resolver {
	if upstream == "" {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
			upstream = net.JoinHostPort(cfg.Servers[0], cfg.Port)
		} else {
			upstream = "1.1.1.1:53"
		}
	}
	return &Resolver{
		client:   &dns.Client{Timeout: 3 * time.Second},
		upstream: upstream,
	}
}

// LookupAddr returns the PTR name for an IP, without the trailing dot.
// No PTR record is not an error; it returns "".
func (r *Resolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("reverse addr %s: %w", ip, err)
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	resp, _, err := r.client.ExchangeContext(ctx, m, r.upstream)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}

// LookupHost resolves an FQDN to its A and AAAA addresses.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	fqdn := dns.Fqdn(host)
	var ips []net.IP

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		resp, _, err := r.client.ExchangeContext(ctx, m, r.upstream)
		if err != nil {
			// A partial answer still serves; both failing is the error.
			if len(ips) > 0 {
				return ips, nil
			}
			return nil, err
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return ips, nil
}
