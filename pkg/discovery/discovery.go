package discovery

import (
	"context"
	"net"
	"strconv"

	"k8s.io/klog/v2"
)

// Member is one passing registration of a service in the registry
type Member struct {
	Node    string // host identifier the registration belongs to
	Address string
	Port    int
}

// HostPort returns the member address joined with its registered port, or
// defaultPort when the registry carries none.
func (m Member) HostPort(defaultPort int) string {
	port := m.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(m.Address, strconv.Itoa(port))
}

// Registry returns every passing member of a service, the local node included.
type Registry interface {
	Healthy(ctx context.Context, service string) ([]Member, error)
	Name() string
}

// Client answers the bootstrap's questions about a service's members on top
// of a Registry
type Client struct {
	registry    Registry
	localNode   string
	defaultPort int
	debug       bool
}

// NewClient creates a client that treats registrations of localNode as self.
func NewClient(registry Registry, localNode string, defaultPort int, debug bool) *Client {
	return &Client{
		registry:    registry,
		localNode:   localNode,
		defaultPort: defaultPort,
		debug:       debug,
	}
}

// HealthyMembers returns the passing members of service, excluding any
// registration that belongs to the local node.
func (c *Client) HealthyMembers(ctx context.Context, service string) ([]Member, error) {
	all, err := c.registry.Healthy(ctx, service)
	if err != nil {
		return nil, err
	}

	peers := make([]Member, 0, len(all))
	for _, m := range all {
		if m.Node == c.localNode {
			continue
		}
		peers = append(peers, m)
	}

	if c.debug {
		klog.InfoS("Queried registry",
			"registry", c.registry.Name(),
			"service", service,
			"passing", len(all),
			"peers", len(peers))
	} else {
		klog.V(2).InfoS("Queried registry", "service", service, "peers", len(peers))
	}

	return peers, nil
}

// MemberAddresses returns host:port addresses of the peers of the local node,
// in registry order.
func (c *Client) MemberAddresses(ctx context.Context, service string) ([]string, error) {
	peers, err := c.HealthyMembers(ctx, service)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.HostPort(c.defaultPort))
	}
	return addrs, nil
}

// AnyHealthy reports whether the service has at least one passing member,
// the local node included.
func (c *Client) AnyHealthy(ctx context.Context, service string) (bool, error) {
	all, err := c.registry.Healthy(ctx, service)
	if err != nil {
		return false, err
	}

	if c.debug {
		self := false
		for _, m := range all {
			if m.Node == c.localNode {
				self = true
				break
			}
		}
		klog.InfoS("Registry visibility", "service", service, "passing", len(all), "includesSelf", self)
	}

	return len(all) > 0, nil
}
