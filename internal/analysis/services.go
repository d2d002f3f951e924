package analysis

import "strconv"

// wellKnownPorts maps ports to the service name shown in packet summaries.
var wellKnownPorts = map[uint16]string{
	20:   "FTP-DATA",
	21:   "FTP",
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	53:   "DNS",
	67:   "DHCP",
	68:   "DHCP",
	80:   "HTTP",
	110:  "POP3",
	123:  "NTP",
	137:  "NetBIOS",
	143:  "IMAP",
	161:  "SNMP",
	443:  "HTTPS",
	445:  "SMB",
	853:  "DoT",
	1900: "SSDP",
	3306: "MySQL",
	3389: "RDP",
	5353: "mDNS",
	5432: "PostgreSQL",
	6379: "Redis",
	8080: "HTTP-Alt",
}

// ServiceName returns the common name for a port and whether one is known.
func ServiceName(port uint16) (string, bool) {
	name, ok := wellKnownPorts[port]
	return name, ok
}

// ServiceLabel returns the service name for the first known port of the pair,
// falling back to the lower port number.
func ServiceLabel(srcPort, dstPort uint16) string {
	if name, ok := ServiceName(dstPort); ok {
		return name
	}
	if name, ok := ServiceName(srcPort); ok {
		return name
	}
	return strconv.Itoa(int(min(srcPort, dstPort)))
}
