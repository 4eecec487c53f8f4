// Package discovery finds radios advertised over mDNS so the sounder can
// confirm every configured serial is on the network before bring-up.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the service type remote radio servers advertise.
const DefaultService = "_soapy._tcp"

// Host represents a discovered radio.
type Host struct {
	Instance  string // Advertised name: "Iris-030 RF-0001"
	Serial    string
	Hostname  string // DNS hostname: "iris-rf-0001.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Browse performs a blocking mDNS browse for service until ctx is done and
// returns deduplicated hosts ordered by serial.
func Browse(ctx context.Context, service string) ([]Host, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Host, 1)
	go func() { done <- collect(ctx, entries) }()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	return <-done, nil
}

// collect consumes entries until the channel closes or ctx is done.
func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []Host {
	byKey := make(map[string]Host)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sortHosts(byKey)
			}
			if e == nil {
				continue
			}
			h := hostFromEntry(e)
			byKey[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
		case <-ctx.Done():
			return sortHosts(byKey)
		}
	}
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	instance := cleanInstance(e.Instance)
	return Host{
		Instance:  instance,
		Serial:    serialOf(instance, e.Text),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func sortHosts(m map[string]Host) []Host {
	out := make([]Host, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Host) int { return strings.Compare(a.Serial, b.Serial) })
	return out
}

// serialOf prefers a "serial=" TXT record and falls back to the last word
// of the instance name.
func serialOf(instance string, txt []string) string {
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, "serial="); ok && v != "" {
			return v
		}
	}
	fields := strings.Fields(instance)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// MissingSerials returns the serials in want that no host advertises, in
// the order given.
func MissingSerials(hosts []Host, want []string) []string {
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		seen[h.Serial] = true
	}
	var missing []string
	for _, s := range want {
		if !seen[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
