package identity

import "net"

// localHostIP returns the first non-loopback IPv4 address found on a local
// interface, or "" if none can be determined. Best-effort: the handshake
// payload carries it for diagnostics, not for routing.
func localHostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
