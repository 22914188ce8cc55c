package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service advertised by the analysis server.
	ServiceType = "_fftserver._tcp"
	domain      = "local."
)

// Host represents a discovered analysis server.
type Host struct {
	Instance  string // Advertised name: "fftserver on lab-pc"
	Hostname  string // DNS hostname: "lab-pc.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// URL returns the base HTTP address of the host, preferring IPv4.
func (h Host) URL() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0].String()
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(h.Port))
}

// Advertisement is a running DNS-SD registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance on port on all multicast interfaces.
func Advertise(instance string, port int, txt []string) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, ServiceType, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", ServiceType, err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Discover browses for analysis servers until ctx is done and returns
// cleaned, deduplicated hosts ordered by instance name.
func Discover(ctx context.Context) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	c := newCollector()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				c.add(e)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done
	return c.hosts(), nil
}

// collector dedupes browse results by hostname and port; later entries win.
type collector struct {
	byKey map[string]Host
}

func newCollector() *collector {
	return &collector{byKey: make(map[string]Host)}
}

func (c *collector) add(e *zeroconf.ServiceEntry) {
	if e == nil {
		return
	}
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)

	key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
	c.byKey[key] = Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func (c *collector) hosts() []Host {
	out := make([]Host, 0, len(c.byKey))
	for _, h := range c.byKey {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
