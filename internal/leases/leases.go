package leases

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"netwarden/internal/models"
)

// ErrEmptyImport is returned when an import contains no usable lease rows.
var ErrEmptyImport = errors.New("no leases found in import")

// Source tags used on imported leases and merged devices.
const (
	SourceRouter   = "router"
	SourceNeighbor = "neighbor"
)

// Parse reads a router lease export. Two formats are accepted:
//
//   - CSV with an optional header naming ip, mac and hostname columns
//     (without a header the columns are taken in that order);
//   - OpenWrt / dnsmasq lease files: "<expiry> <mac> <ip> <hostname> <client-id>".
//
// Rows without a valid IP are skipped.
func Parse(r io.Reader) ([]models.RouterLease, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var leases []models.RouterLease
	if isCSV(data) {
		leases, err = parseCSV(data)
		if err != nil {
			return nil, err
		}
	} else {
		leases = parseDnsmasq(data)
	}

	if len(leases) == 0 {
		return nil, ErrEmptyImport
	}
	return leases, nil
}

func isCSV(data []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.Contains(line, ",")
	}
	return false
}

func parseCSV(data []byte) ([]models.RouterLease, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse lease csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	ipCol, macCol, hostCol := 0, 1, 2
	if cols, ok := headerColumns(records[0]); ok {
		ipCol, macCol, hostCol = cols[0], cols[1], cols[2]
		records = records[1:]
	}

	var out []models.RouterLease
	for _, rec := range records {
		ip, ok := normalizeIP(field(rec, ipCol))
		if !ok {
			continue
		}
		out = append(out, models.RouterLease{
			IP:       ip,
			MAC:      strings.ToLower(field(rec, macCol)),
			Hostname: field(rec, hostCol),
			Source:   SourceRouter,
		})
	}
	return out, nil
}

// headerColumns returns the ip, mac and hostname column indexes (-1 when
// missing) if rec looks like a header row.
func headerColumns(rec []string) ([3]int, bool) {
	cols := [3]int{-1, -1, -1}
	found := false
	for i, name := range rec {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ip", "ip address", "ipaddr", "ip_address", "address":
			cols[0] = i
			found = true
		case "mac", "mac address", "macaddr", "mac_address", "hwaddr":
			cols[1] = i
			found = true
		case "hostname", "host", "name", "host name":
			cols[2] = i
			found = true
		}
	}
	return cols, found && cols[0] >= 0
}

func parseDnsmasq(data []byte) []models.RouterLease {
	var out []models.RouterLease
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		ip, ok := normalizeIP(fields[2])
		if !ok {
			continue
		}
		lease := models.RouterLease{
			IP:     ip,
			MAC:    strings.ToLower(fields[1]),
			Source: SourceRouter,
		}
		if len(fields) >= 4 && fields[3] != "*" {
			lease.Hostname = fields[3]
		}
		out = append(out, lease)
	}
	return out
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func normalizeIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

// Store holds the most recent lease import.
type Store struct {
	mu     sync.RWMutex
	leases []models.RouterLease
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Import parses r and replaces the stored leases with the result. On error
// the previous import is kept.
func (s *Store) Import(r io.Reader) (int, error) {
	leases, err := Parse(r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.leases = leases
	s.mu.Unlock()
	return len(leases), nil
}

// Leases returns a copy of the stored leases.
func (s *Store) Leases() []models.RouterLease {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RouterLease, len(s.leases))
	copy(out, s.leases)
	return out
}

// Merge joins neighbor entries and leases on IP. A neighbor's MAC wins over
// the lease's; the hostname always comes from the lease. The result is sorted
// by IP.
func Merge(neighbors []models.NeighborEntry, leases []models.RouterLease) []models.MergedDevice {
	byIP := make(map[string]*models.MergedDevice)
	var order []string

	get := func(ip string) *models.MergedDevice {
		d, ok := byIP[ip]
		if !ok {
			d = &models.MergedDevice{IP: ip, Sources: []string{}}
			byIP[ip] = d
			order = append(order, ip)
		}
		return d
	}

	for _, n := range neighbors {
		d := get(n.IP)
		d.MAC = n.MAC
		d.Interface = n.Interface
		d.State = n.State
		d.Sources = appendSource(d.Sources, SourceNeighbor)
	}
	for _, l := range leases {
		d := get(l.IP)
		if d.MAC == "" {
			d.MAC = l.MAC
		}
		if l.Hostname != "" {
			d.Hostname = l.Hostname
		}
		d.Sources = appendSource(d.Sources, SourceRouter)
	}

	sort.SliceStable(order, func(i, j int) bool { return ipLess(order[i], order[j]) })

	out := make([]models.MergedDevice, 0, len(order))
	for _, ip := range order {
		out = append(out, *byIP[ip])
	}
	return out
}

func appendSource(sources []string, src string) []string {
	for _, s := range sources {
		if s == src {
			return sources
		}
	}
	return append(sources, src)
}

func ipLess(a, b string) bool {
	x, errA := netip.ParseAddr(a)
	y, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return x.Less(y)
}

// WriteCSV writes merged devices with the header
// ip,mac,hostname,interface,state,sources. Multiple sources are joined with "+".
func WriteCSV(w io.Writer, devices []models.MergedDevice) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ip", "mac", "hostname", "interface", "state", "sources"}); err != nil {
		return err
	}
	for _, d := range devices {
		rec := []string{d.IP, d.MAC, d.Hostname, d.Interface, d.State, strings.Join(d.Sources, "+")}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
