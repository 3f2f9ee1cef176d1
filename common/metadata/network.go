package metadata

import "net/netip"

// NetworkFromAddr narrows network to its IPv4 variant for IPv4 addresses, so that a
// wildcard 0.0.0.0 bind does not become a dual-stack socket.
func NetworkFromAddr(network string, addr netip.Addr) string {
	if addr.Is4() {
		return network + "4"
	}
	if addr.Is6() {
		return network + "6"
	}
	return network
}
