package tshark

// EkPacket represents the top-level structure of a Tshark -T ek output line.
type EkPacket struct {
	Timestamp string   `json:"timestamp"`
	Layers    EkLayers `json:"layers"`
}

// EkLayers holds the fields requested with -e.
// When using -e flags with -T ek, tshark flattens the structure and replaces dots with underscores.
type EkLayers struct {
	FrameLen   []string `json:"frame_len,omitempty"`
	IPSrc      []string `json:"ip_src,omitempty"`
	IPDst      []string `json:"ip_dst,omitempty"`
	IPProto    []string `json:"ip_proto,omitempty"`
	IPv6Src    []string `json:"ipv6_src,omitempty"`
	IPv6Dst    []string `json:"ipv6_dst,omitempty"`
	IPv6Next   []string `json:"ipv6_nxt,omitempty"`
	TCPSrcPort []string `json:"tcp_srcport,omitempty"`
	TCPDstPort []string `json:"tcp_dstport,omitempty"`
	UDPSrcPort []string `json:"udp_srcport,omitempty"`
	UDPDstPort []string `json:"udp_dstport,omitempty"`

	// Payload bytes as hex, with or without ':' separators depending on the
	// tshark version.
	TCPPayload []string `json:"tcp_payload,omitempty"`
	UDPPayload []string `json:"udp_payload,omitempty"`
	Data       []string `json:"data_data,omitempty"`
}

// ekFields is the -e list matching EkLayers.
var ekFields = []string{
	"frame.len",
	"ip.src", "ip.dst", "ip.proto",
	"ipv6.src", "ipv6.dst", "ipv6.nxt",
	"tcp.srcport", "tcp.dstport",
	"udp.srcport", "udp.dstport",
	"tcp.payload", "udp.payload", "data.data",
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
