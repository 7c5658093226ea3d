package uploader

import (
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// NetworkPolicy reports whether the constrained network a wifi-only upload
// needs is currently available.
type NetworkPolicy interface {
	IsConstrainedNetworkAvailable() bool
}

// StaticNetworkPolicy always answers with its own value.
type StaticNetworkPolicy bool

// IsConstrainedNetworkAvailable implements NetworkPolicy.
func (p StaticNetworkPolicy) IsConstrainedNetworkAvailable() bool {
	return bool(p)
}

// DefaultWifiInterfacePrefixes are the interface names treated as Wi-Fi:
// "wl" covers Linux (wlan0, wlp2s0) and "Wi-Fi" is the Windows adapter name.
// Interface names on macOS do not tell wired from wireless, so en* is not
// matched there.
var DefaultWifiInterfacePrefixes = []string{"wl", "Wi-Fi"}

// InterfaceNetworkPolicy treats the constrained network as available when a
// network interface whose name matches one of the prefixes is up and has an
// address.
type InterfaceNetworkPolicy struct {
	prefixes   []string
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
	logger     zerolog.Logger
}

// NewInterfaceNetworkPolicy creates a policy over the host's interfaces.
func NewInterfaceNetworkPolicy(prefixes []string, logger zerolog.Logger) *InterfaceNetworkPolicy {
	if len(prefixes) == 0 {
		prefixes = DefaultWifiInterfacePrefixes
	}
	return &InterfaceNetworkPolicy{
		prefixes:   prefixes,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
		logger:     logger.With().Str("component", "InterfaceNetworkPolicy").Logger(),
	}
}

// IsConstrainedNetworkAvailable implements NetworkPolicy.
func (p *InterfaceNetworkPolicy) IsConstrainedNetworkAvailable() bool {
	ifaces, err := p.interfaces()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to list network interfaces.")
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if !p.matches(iface.Name) {
			continue
		}
		addrs, err := p.addrs(iface)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}

func (p *InterfaceNetworkPolicy) matches(name string) bool {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
