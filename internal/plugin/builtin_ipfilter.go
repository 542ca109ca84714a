package plugin

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/wudi/gatekeeper/internal/proxy"
)

func init() {
	RegisterFactory("ip_filter", newIPFilter)
}

type ipFilterConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ipFilterPlugin rejects clients by address. Deny entries are checked
// first; a non-empty allow list then admits only its members.
type ipFilterPlugin struct {
	Base
	allow []*net.IPNet
	deny  []*net.IPNet
}

func newIPFilter(base Base, raw map[string]any) (Plugin, error) {
	if err := requestPhaseOnly(base); err != nil {
		return nil, err
	}
	var cfg ipFilterConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	allow, err := parseNets(cfg.Allow)
	if err != nil {
		return nil, err
	}
	deny, err := parseNets(cfg.Deny)
	if err != nil {
		return nil, err
	}
	return &ipFilterPlugin{Base: base, allow: allow, deny: deny}, nil
}

// parseNets accepts CIDRs and single addresses.
func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid address or CIDR %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func (p *ipFilterPlugin) allowed(ip net.IP) bool {
	for _, n := range p.deny {
		if n.Contains(ip) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, n := range p.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (p *ipFilterPlugin) OnRequest(_ context.Context, _ *http.Request, pc *Context) (*http.Request, *proxy.Response, error) {
	ip := net.ParseIP(pc.ClientIP)
	if ip == nil || !p.allowed(ip) {
		return nil, nil, Reject(p.Name(), fmt.Sprintf("client address %s is not allowed", pc.ClientIP))
	}
	return nil, nil, nil
}
