package tshark

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"netwarden/internal/models"
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Inspect summarises a capture file: format, link type, packet count and the
// first and last timestamps. Both pcapng and legacy pcap are accepted.
func (o *Orchestrator) Inspect(name string) (models.CaptureFileInfo, error) {
	path, err := o.ResolveFile(name)
	if err != nil {
		return models.CaptureFileInfo{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return models.CaptureFileInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return models.CaptureFileInfo{}, err
	}

	r, format, err := openCapture(f)
	if err != nil {
		return models.CaptureFileInfo{}, fmt.Errorf("inspect %s: %w", name, err)
	}

	info := models.CaptureFileInfo{
		Name:     name,
		Size:     st.Size(),
		Format:   format,
		LinkType: r.LinkType().String(),
	}

	var firstTS, lastTS time.Time
	for {
		_, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a capture still being written ends in a truncated record
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return models.CaptureFileInfo{}, fmt.Errorf("inspect %s: %w", name, err)
		}
		if info.Packets == 0 {
			firstTS = ci.Timestamp
		}
		lastTS = ci.Timestamp
		info.Packets++
	}

	if info.Packets > 0 {
		info.FirstTS = &firstTS
		info.LastTS = &lastTS
	}
	return info, nil
}

func openCapture(f *os.File) (packetReader, string, error) {
	if ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		return ng, "pcapng", nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("not a pcap or pcapng file: %w", err)
	}
	return r, "pcap", nil
}
