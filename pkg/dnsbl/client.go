package dnsbl

import (
	"fmt"
	"net/netip"
	"strings"
)

// ClientID identifies a connected client for the lifetime of its session
type ClientID uint64

// Client is a snapshot of a connected IRC client
type Client struct {
	ID       ClientID `json:"id"`
	Nick     string   `json:"nick"`
	User     string   `json:"user"`
	Host     string   `json:"host"`
	RealName string   `json:"real_name"`
	IP       string   `json:"ip"`
	Server   string   `json:"server,omitempty"`
	// Internal marks pseudo-clients introduced by services
	Internal bool `json:"internal,omitempty"`
}

// Mask returns nick!user@host
func (c Client) Mask() string {
	return c.Nick + "!" + c.User + "@" + c.Host
}

// QueryName returns the blacklist query name for ip in zone: the address
// octets reversed and prepended to the zone, so 1.2.3.4 in bl.example.org
// becomes 4.3.2.1.bl.example.org.
func QueryName(ip, zone string) (string, error) {
	rev, err := reverseOctets(ip)
	if err != nil {
		return "", err
	}
	return rev + "." + strings.TrimSuffix(zone, "."), nil
}

func reverseOctets(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAddress, ip)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return "", fmt.Errorf("%w: %s is not IPv4", ErrUnsupportedAddress, ip)
	}
	b := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0]), nil
}
