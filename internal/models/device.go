package models

// NeighborEntry is one row of the OS ARP / neighbor table.
type NeighborEntry struct {
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	Interface string `json:"interface,omitempty"`
	State     string `json:"state"`
}

// RouterLease is a DHCP lease imported from a router export.
type RouterLease struct {
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	Hostname string `json:"hostname"`
	Source   string `json:"source"`
}

// MergedDevice joins neighbor entries and router leases on IP.
type MergedDevice struct {
	IP        string   `json:"ip"`
	MAC       string   `json:"mac"`
	Hostname  string   `json:"hostname"`
	Interface string   `json:"interface,omitempty"`
	State     string   `json:"state"`
	Sources   []string `json:"sources"`
}

// Interface is a capture-capable network interface.
type Interface struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}
