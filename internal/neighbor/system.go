package neighbor

import (
	"net"
	"net/netip"
	"sort"

	"github.com/google/gopacket/pcap"
	"github.com/jackpal/gateway"

	"netwarden/internal/models"
)

// GatewayResolver looks up the current default gateway.
type GatewayResolver interface {
	DefaultGateway() (string, error)
}

// SystemGateway reads the default route from the operating system.
type SystemGateway struct{}

// DefaultGateway returns the IPv4 or IPv6 address of the default gateway.
func (SystemGateway) DefaultGateway() (string, error) {
	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// Interfaces lists capture-capable interfaces as reported by libpcap.
func Interfaces() ([]models.Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}

	out := make([]models.Interface, 0, len(devs))
	for _, d := range devs {
		iface := models.Interface{Name: d.Name, Description: d.Description}
		for _, a := range d.Addresses {
			if a.IP != nil {
				iface.Addresses = append(iface.Addresses, a.IP.String())
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// InterfaceNames returns the set of interface names Interfaces reports.
// Enumeration failures yield an empty set.
func InterfaceNames() map[string]bool {
	names := make(map[string]bool)
	ifaces, err := Interfaces()
	if err != nil {
		return names
	}
	for _, i := range ifaces {
		names[i.Name] = true
	}
	return names
}

// LocalPrivateNetworks returns the RFC1918 IPv4 networks this host has an
// address in, in interface order.
func LocalPrivateNetworks() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		a, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, a...)
	}
	return PrivateNetworks(addrs), nil
}

// PrivateNetworks extracts the distinct private IPv4 networks from addrs.
func PrivateNetworks(addrs []net.Addr) []netip.Prefix {
	var out []netip.Prefix
	seen := make(map[netip.Prefix]bool)

	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		addr, _ := netip.AddrFromSlice(ip4)
		if !addr.IsPrivate() {
			continue
		}
		ones, bits := ipnet.Mask.Size()
		if bits == 128 {
			ones -= 96
		}
		if bits == 0 {
			continue
		}
		p := netip.PrefixFrom(addr, ones).Masked()
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// SortByIP orders entries by numeric address.
func SortByIP(entries []models.NeighborEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return ipLess(entries[i].IP, entries[j].IP)
	})
}
