package address

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// mongodConf is the part of the YAML mongod configuration we care about
type mongodConf struct {
	Net struct {
		BindIP    string `yaml:"bindIp"`
		BindIPAll bool   `yaml:"bindIpAll"`
	} `yaml:"net"`
}

// Interface is the subset of a network interface the resolver inspects
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// InterfaceLister returns the host's network interfaces
type InterfaceLister func() ([]Interface, error)

// Resolver determines the address the local database is reachable on
type Resolver struct {
	configFile string
	ifaceName  string
	interfaces InterfaceLister
	debug      bool
}

// NewResolver creates a resolver reading configFile and, as a last resort,
// scanning interfaces (only ifaceName when it is not empty).
func NewResolver(configFile, ifaceName string, debug bool) *Resolver {
	return &Resolver{
		configFile: configFile,
		ifaceName:  ifaceName,
		interfaces: systemInterfaces,
		debug:      debug,
	}
}

// WithInterfaceLister replaces the interface source, used by tests.
func (r *Resolver) WithInterfaceLister(lister InterfaceLister) *Resolver {
	r.interfaces = lister
	return r
}

// Resolve returns the first usable address found in, in order: the YAML
// net.bindIp setting, a legacy bind_ip line, the network interfaces.
// It never returns a wildcard or loopback address.
func (r *Resolver) Resolve() (string, error) {
	content, err := os.ReadFile(r.configFile)
	if err != nil {
		klog.V(2).InfoS("Config file not readable, skipping", "file", r.configFile, "error", err)
	} else {
		if addr := fromYAML(content); addr != "" {
			if r.debug {
				klog.InfoS("Resolved address from structured config", "file", r.configFile, "address", addr)
			}
			return addr, nil
		}
		if addr := fromLegacy(content); addr != "" {
			if r.debug {
				klog.InfoS("Resolved address from legacy config", "file", r.configFile, "address", addr)
			}
			return addr, nil
		}
	}

	addr, err := r.fromInterfaces()
	if err != nil {
		return "", err
	}
	if r.debug {
		klog.InfoS("Resolved address from network interfaces", "interface", r.ifaceName, "address", addr)
	}
	return addr, nil
}

func fromYAML(content []byte) string {
	var conf mongodConf
	if err := yaml.Unmarshal(content, &conf); err != nil {
		// legacy files are not YAML mappings
		return ""
	}
	if conf.Net.BindIPAll {
		return ""
	}
	return firstUsable(conf.Net.BindIP)
}

func fromLegacy(content []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "bind_ip" {
			continue
		}

		if addr := firstUsable(value); addr != "" {
			return addr
		}
	}
	return ""
}

// firstUsable picks the first entry of a comma separated bind list that
// other nodes could actually connect to.
func firstUsable(list string) string {
	for _, entry := range strings.Split(list, ",") {
		entry = strings.Trim(strings.TrimSpace(entry), `"'`)
		if entry == "" || isWildcard(entry) || isLoopback(entry) {
			continue
		}
		return entry
	}
	return ""
}

func isWildcard(addr string) bool {
	switch addr {
	case "0.0.0.0", "::", "*":
		return true
	}
	return false
}

func isLoopback(addr string) bool {
	if addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

func (r *Resolver) fromInterfaces() (string, error) {
	ifaces, err := r.interfaces()
	if err != nil {
		return "", fmt.Errorf("%w: listing interfaces: %w", failure.ErrAddressResolution, err)
	}

	for _, iface := range ifaces {
		if r.ifaceName != "" && iface.Name != r.ifaceName {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		for _, addr := range iface.Addrs {
			ip := extractIP(addr)
			if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}

	if r.ifaceName != "" {
		return "", fmt.Errorf("%w: no IPv4 address on interface %q", failure.ErrAddressResolution, r.ifaceName)
	}
	return "", fmt.Errorf("%w: no non-loopback IPv4 address found", failure.ErrAddressResolution)
}

func extractIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	result := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			klog.V(2).InfoS("Failed to list interface addresses", "interface", iface.Name, "error", err)
			continue
		}
		result = append(result, Interface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return result, nil
}
