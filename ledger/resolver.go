package ledger

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// DefaultDNSServer is the local stub resolver queried for SRV lookups.
const DefaultDNSServer = "127.0.0.53:53"

// ResolveEndpoint turns an RPC endpoint flag into a dialable URL. An
// endpoint of the form srv+http://service.example.com is resolved through
// a DNS SRV lookup to the first advertised target and port; anything else
// is returned unchanged.
func ResolveEndpoint(endpoint, dnsServer string) (string, error) {
	service, isSRV := strings.CutPrefix(endpoint, "srv+")
	if !isSRV {
		return endpoint, nil
	}

	proto, name, found := strings.Cut(service, "://")
	if !found {
		return "", fmt.Errorf("malformed SRV endpoint %q", endpoint)
	}

	if dnsServer == "" {
		dnsServer = DefaultDNSServer
	}

	targets, err := resolveSRV(dns.Fqdn(name), dnsServer)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", name, err)
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("no SRV records for %q", name)
	}

	return fmt.Sprintf("%s://%s", proto, targets[0]), nil
}

// resolveSRV queries SRV records for the domain and returns host:port
// targets in answer order.
func resolveSRV(domain, dnsServer string) ([]string, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: domain, Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, dnsServer)
	if err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			host := strings.TrimSuffix(srv.Target, ".")
			targets = append(targets, net.JoinHostPort(host, fmt.Sprint(srv.Port)))
		}
	}
	return targets, nil
}
