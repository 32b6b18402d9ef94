package webrtc

import (
	"net"
	"strings"
)

// cgnat is 100.64.0.0/10, used by carrier NAT and by WARP or Tailscale style
// overlays.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

var tunnelInterfacePrefixes = []string{"tun", "tap", "wg", "ppp", "utun", "warp"}

// ShouldForceRelay reports whether an active interface looks like a VPN
// tunnel or sits behind CGNAT, where direct candidates rarely connect and
// TURN should be forced.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTunnelName(iface.Name) {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && cgnat.Contains(ipNet.IP) {
				return true
			}
		}
	}
	return false
}

func isTunnelName(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range tunnelInterfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
