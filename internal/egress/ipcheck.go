package egress

import "net"

// disallowedIP reports whether an address must never be dialed on behalf
// of a sandbox: RFC1918 and the v6 unique-local block (IsPrivate),
// loopback, link-local, and the unspecified address. A compromised sandbox
// that passes the name allowlist still cannot reach private infrastructure
// because every address is checked immediately before the connect.
func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
