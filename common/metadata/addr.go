package metadata

import (
	"net"
	"net/netip"
	"strconv"
)

// Socksaddr is an IP or domain name together with a port.
type Socksaddr struct {
	Addr netip.Addr
	Fqdn string
	Port uint16
}

func (ap Socksaddr) Network() string {
	return "tcp"
}

func (ap Socksaddr) IsIP() bool {
	return ap.Addr.IsValid()
}

func (ap Socksaddr) IsFqdn() bool {
	return !ap.IsIP() && ap.Fqdn != ""
}

func (ap Socksaddr) IsValid() bool {
	return ap.Addr.IsValid() || ap.Fqdn != ""
}

func (ap Socksaddr) Family() Family {
	if ap.Addr.IsValid() {
		if ap.Addr.Is4() {
			return AddressFamilyIPv4
		}
		return AddressFamilyIPv6
	}
	return AddressFamilyFqdn
}

func (ap Socksaddr) AddrString() string {
	if ap.Addr.IsValid() {
		return ap.Addr.String()
	}
	return ap.Fqdn
}

func (ap Socksaddr) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{
		IP:   ap.Addr.AsSlice(),
		Port: int(ap.Port),
	}
}

func (ap Socksaddr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr, ap.Port)
}

func (ap Socksaddr) String() string {
	return net.JoinHostPort(ap.AddrString(), strconv.Itoa(int(ap.Port)))
}

func (ap Socksaddr) WithPort(port uint16) Socksaddr {
	ap.Port = port
	return ap
}

func SocksaddrFrom(addr netip.Addr, port uint16) Socksaddr {
	return SocksaddrFromNetIP(netip.AddrPortFrom(addr, port))
}

func SocksaddrFromNetIP(ap netip.AddrPort) Socksaddr {
	return Socksaddr{
		Addr: unmapAddr(ap.Addr()),
		Port: ap.Port(),
	}
}

func SocksaddrFromNet(netAddr net.Addr) Socksaddr {
	switch addr := netAddr.(type) {
	case Socksaddr:
		return addr
	case *net.TCPAddr:
		return SocksaddrFrom(AddrFromIP(addr.IP), uint16(addr.Port))
	case *net.UDPAddr:
		return SocksaddrFrom(AddrFromIP(addr.IP), uint16(addr.Port))
	case nil:
		return Socksaddr{}
	default:
		return ParseSocksaddr(netAddr.String())
	}
}

func AddrFromIP(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return unmapAddr(addr)
}

func ParseAddr(s string) netip.Addr {
	addr, _ := netip.ParseAddr(s)
	return unmapAddr(addr)
}

func ParseSocksaddr(address string) Socksaddr {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return Socksaddr{}
	}
	return ParseSocksaddrHostPort(host, port)
}

func ParseSocksaddrHostPort(host string, portStr string) Socksaddr {
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return ParseSocksaddrHostPortNum(host, uint16(port))
}

func ParseSocksaddrHostPortNum(host string, port uint16) Socksaddr {
	netAddr, err := netip.ParseAddr(host)
	if err != nil {
		return Socksaddr{
			Fqdn: host,
			Port: port,
		}
	}
	return Socksaddr{
		Addr: unmapAddr(netAddr),
		Port: port,
	}
}

func unmapAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		return netip.AddrFrom4(addr.As4())
	}
	return addr
}
