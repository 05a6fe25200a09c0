package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// ConsulRegistry reads passing service instances from the Consul health API
type ConsulRegistry struct {
	health     *consulapi.Health
	datacenter string
}

// NewConsulRegistry creates a registry for the agent at addr. An empty addr
// keeps the client defaults (CONSUL_HTTP_ADDR or 127.0.0.1:8500).
func NewConsulRegistry(addr, datacenter string) (*ConsulRegistry, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	return &ConsulRegistry{
		health:     client.Health(),
		datacenter: datacenter,
	}, nil
}

// Healthy issues GET /v1/health/service/<service>?passing
func (r *ConsulRegistry) Healthy(ctx context.Context, service string) ([]Member, error) {
	opts := &consulapi.QueryOptions{Datacenter: r.datacenter}

	entries, _, err := r.health.Service(service, "", true, opts.WithContext(ctx))
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: decoding health of service %q: %w", failure.ErrStructuredParse, service, err)
		}
		return nil, fmt.Errorf("%w: querying health of service %q: %w", failure.ErrDiscoveryUnavailable, service, err)
	}

	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Node == nil {
			continue
		}

		m := Member{Node: e.Node.Node, Address: e.Node.Address}
		if e.Service != nil {
			// the service address overrides the node address when set
			if e.Service.Address != "" {
				m.Address = e.Service.Address
			}
			m.Port = e.Service.Port
		}
		members = append(members, m)
	}

	return members, nil
}

// Name identifies the backend in logs.
func (r *ConsulRegistry) Name() string {
	return "consul"
}
