package neighbor

import (
	"bufio"
	"bytes"
	"net/netip"
	"strings"

	"netwarden/internal/models"
)

// ParseIPNeigh parses the output of `ip neigh show`:
//
//	192.168.1.1 dev wlan0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
func ParseIPNeigh(out []byte) []models.NeighborEntry {
	var entries []models.NeighborEntry
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		ip, ok := parseIP(fields[0])
		if !ok {
			continue
		}

		var e models.NeighborEntry
		e.IP = ip
		for i := 1; i < len(fields); i++ {
			switch fields[i] {
			case "dev":
				if i+1 < len(fields) {
					e.Interface = fields[i+1]
					i++
				}
			case "lladdr":
				if i+1 < len(fields) {
					e.MAC = NormalizeMAC(fields[i+1])
					i++
				}
			}
		}
		if last := fields[len(fields)-1]; isState(last) {
			e.State = strings.ToLower(last)
		}

		if e.MAC == "" || seen[e.IP] {
			continue
		}
		seen[e.IP] = true
		entries = append(entries, e)
	}
	return entries
}

// ParseARP parses `arp -a` output in the BSD/Linux form
//
//	? (192.168.1.1) at aa:bb:cc:dd:ee:ff [ether] on wlan0
//
// and the Windows form
//
//	Interface: 192.168.1.10 --- 0xb
//	  192.168.1.1           aa-bb-cc-dd-ee-ff     dynamic
func ParseARP(out []byte) []models.NeighborEntry {
	var entries []models.NeighborEntry
	seen := make(map[string]bool)
	winIface := ""

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "Interface:") {
			if f := strings.Fields(line); len(f) >= 2 {
				winIface = f[1]
			}
			continue
		}

		var e models.NeighborEntry
		if open := strings.Index(line, "("); open >= 0 {
			e = parseBSDLine(line, open)
		} else {
			e = parseWindowsLine(line, winIface)
		}

		if e.IP == "" || e.MAC == "" || seen[e.IP] {
			continue
		}
		seen[e.IP] = true
		entries = append(entries, e)
	}
	return entries
}

func parseBSDLine(line string, open int) models.NeighborEntry {
	var e models.NeighborEntry
	end := strings.Index(line[open:], ")")
	if end < 0 {
		return e
	}
	ip, ok := parseIP(line[open+1 : open+end])
	if !ok {
		return e
	}

	fields := strings.Fields(line[open+end+1:])
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "at":
			if i+1 < len(fields) {
				e.MAC = NormalizeMAC(fields[i+1])
				i++
			}
		case "on":
			if i+1 < len(fields) {
				e.Interface = fields[i+1]
				i++
			}
		}
	}
	if e.MAC != "" {
		e.IP = ip
	}
	return e
}

func parseWindowsLine(line, iface string) models.NeighborEntry {
	var e models.NeighborEntry
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return e
	}
	ip, ok := parseIP(fields[0])
	if !ok {
		return e
	}
	e.MAC = NormalizeMAC(fields[1])
	if e.MAC == "" {
		return e
	}
	e.IP = ip
	e.Interface = iface
	if len(fields) >= 3 {
		e.State = strings.ToLower(fields[2])
	}
	return e
}

// NormalizeMAC lowercases a MAC address, converts dashes to colons and pads
// single-digit octets (as printed by macOS). It returns "" for anything that
// is not six hex octets or is all zeros.
func NormalizeMAC(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ":"))
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return ""
	}

	zero := true
	for i, p := range parts {
		if len(p) == 1 {
			p = "0" + p
		}
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return ""
		}
		if p != "00" {
			zero = false
		}
		parts[i] = p
	}
	if zero {
		return ""
	}
	return strings.Join(parts, ":")
}

// isState reports whether s looks like a NUD state such as REACHABLE.
func isState(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return s != ""
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}

func ipLess(a, b string) bool {
	x, errA := netip.ParseAddr(a)
	y, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return x.Less(y)
}
