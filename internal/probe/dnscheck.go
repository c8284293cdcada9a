package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

type DNSClass string

const (
	DNSResolves    DNSClass = "RESOLVES"
	DNSNXDomain    DNSClass = "NXDOMAIN"
	DNSNoARecord   DNSClass = "NO_A_RECORD"
	DNSServfail    DNSClass = "SERVFAIL_or_TIMEOUT"
	DNSInvalidName DNSClass = "INVALID_NAME"
)

type DNSStatus struct {
	Domain        string
	IPs           []net.IP
	Nameservers   []string
	Class         DNSClass
	ResolverError string
}

var dnsTimeout = 3 * time.Second

// resolver is swapped in tests.
var resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
} = net.DefaultResolver

// CheckDNS classifies why a host may be unreachable. It only explains down
// outcomes; it never changes them.
func CheckDNS(ctx context.Context, domain string) DNSStatus {
	s := DNSStatus{Domain: strings.TrimSpace(domain)}
	if s.Domain == "" || strings.Contains(s.Domain, "://") {
		s.Class = DNSInvalidName
		return s
	}
	if ip := net.ParseIP(s.Domain); ip != nil {
		s.IPs = []net.IP{ip}
		s.Class = DNSResolves
		return s
	}

	ips, err := resolver.LookupIP(ctx, "ip", s.Domain)
	if err == nil && len(ips) > 0 {
		s.IPs = ips
		s.Class = DNSResolves
		return s
	}
	if err != nil {
		s.ResolverError = err.Error()
		var de *net.DNSError
		if errors.As(err, &de) {
			switch {
			case de.IsNotFound:
				s.Class = DNSNXDomain
			case de.IsTemporary || de.Timeout():
				s.Class = DNSServfail
			}
		}
	}

	if ns, err := resolver.LookupNS(ctx, s.Domain); err == nil && len(ns) > 0 {
		for _, n := range ns {
			s.Nameservers = append(s.Nameservers, strings.TrimSuffix(n.Host, "."))
		}
		// the zone exists, the name just has no address
		if s.Class == DNSNXDomain || s.Class == "" {
			s.Class = DNSNoARecord
		}
	}

	if s.Class == "" {
		if s.ResolverError != "" {
			s.Class = DNSServfail
		} else {
			s.Class = DNSNXDomain
		}
	}
	return s
}
