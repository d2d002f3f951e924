package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"netwarden/internal/models"
)

// Options configures a CaptureState.
type Options struct {
	// Capacity is the ring buffer size. Defaults to 2000.
	Capacity int
	// QueueSize bounds the channel between the capture goroutine and the writer.
	// Defaults to 1024.
	QueueSize int
	Policy    DecodePolicy
	Open      Opener
}

type session struct {
	cancel context.CancelFunc
}

// CaptureState owns the packet ring buffer, the running counters, the
// acceptance filter and the lifecycle of the single live capture session.
type CaptureState struct {
	logger    zerolog.Logger
	open      Opener
	policy    DecodePolicy
	capacity  int
	queueSize int

	// ctl serialises Start/Stop so that at most one source is ever opened.
	ctl sync.Mutex

	mu       sync.Mutex
	ring     []models.PacketRow
	head     int // index of the oldest row
	size     int
	nextID   uint64
	stats    models.CaptureStats
	filterIP string
	iface    string
	running  bool
	session  *session
	lastErr  string
}

// NewCaptureState creates an idle capture buffer.
func NewCaptureState(logger zerolog.Logger, opts Options) *CaptureState {
	if opts.Capacity <= 0 {
		opts.Capacity = 2000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Policy == "" {
		opts.Policy = DecodeStrict
	}

	return &CaptureState{
		logger:    logger,
		open:      opts.Open,
		policy:    opts.Policy,
		capacity:  opts.Capacity,
		queueSize: opts.QueueSize,
		ring:      make([]models.PacketRow, opts.Capacity),
		nextID:    1,
	}
}

// Start begins a capture session. If one is already running only the filter
// and interface are updated; counters and the subscription are left alone.
func (s *CaptureState) Start(filterIP, iface string) error {
	filterIP = strings.TrimSpace(filterIP)
	iface = strings.TrimSpace(iface)

	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.running {
		s.filterIP = filterIP
		s.iface = iface
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.open == nil {
		return fmt.Errorf("no capture backend configured")
	}
	src, err := s.open(iface)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel}
	rows := make(chan models.PacketRow, s.queueSize)

	s.mu.Lock()
	s.resetLocked()
	s.filterIP = filterIP
	s.iface = iface
	s.running = true
	s.session = sess
	s.lastErr = ""
	s.mu.Unlock()

	go s.subscribe(ctx, sess, src, rows)
	go s.write(sess, rows)

	s.logger.Info().Str("iface", iface).Str("filter", filterIP).Msg("capture started")
	return nil
}

// Stop ends the live subscription. Buffered rows stay queryable until the
// next Start. Stop does not wait for the source to wind down.
func (s *CaptureState) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.running = false
	s.mu.Unlock()

	if sess != nil {
		sess.cancel()
		s.logger.Info().Msg("capture stopped")
	}
}

// SetFilter replaces the acceptance filter for frames that arrive from now on.
func (s *CaptureState) SetFilter(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterIP = strings.TrimSpace(ip)
}

// Status returns a snapshot of the session and counters.
func (s *CaptureState) Status() models.CaptureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.CaptureStatus{
		Running:      s.running,
		FilterIP:     s.filterIP,
		Iface:        s.iface,
		BufferLen:    s.size,
		LastID:       s.nextID - 1,
		DecodePolicy: string(s.policy),
		Stats:        s.stats,
		Error:        s.lastErr,
	}
}

// Packets returns buffered rows with ID > sinceID, at most limit of the most
// recent ones, in ascending ID order. A limit <= 0 returns all of them.
func (s *CaptureState) Packets(sinceID uint64, limit int) []models.PacketRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return []models.PacketRow{}
	}

	// IDs in the ring are contiguous: oldest is nextID - size.
	oldestID := s.nextID - uint64(s.size)
	skip := 0
	if sinceID >= oldestID {
		skip = int(sinceID - oldestID + 1)
	}
	n := s.size - skip
	if n <= 0 {
		return []models.PacketRow{}
	}
	if limit > 0 && n > limit {
		skip += n - limit
		n = limit
	}

	out := make([]models.PacketRow, n)
	for i := 0; i < n; i++ {
		out[i] = s.ring[(s.head+skip+i)%s.capacity]
	}
	return out
}

// Capacity returns the ring buffer size.
func (s *CaptureState) Capacity() int {
	return s.capacity
}

// subscribe runs the source and forwards normalized rows to the writer.
func (s *CaptureState) subscribe(ctx context.Context, sess *session, src Source, rows chan<- models.PacketRow) {
	defer close(rows)

	err := src.Run(ctx, func(f Frame) {
		row, err := Normalize(f, s.policy)
		if err != nil {
			s.logger.Trace().Err(err).Msg("frame dropped")
			return
		}
		select {
		case rows <- row:
		case <-ctx.Done():
		}
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	s.logger.Error().Err(err).Msg("capture subscription failed")
	sess.cancel()
	s.mu.Lock()
	if s.session == sess {
		s.running = false
		s.session = nil
	}
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// write is the only goroutine that appends to the ring.
func (s *CaptureState) write(sess *session, rows <-chan models.PacketRow) {
	for row := range rows {
		s.append(sess, row)
	}
}

func (s *CaptureState) append(sess *session, row models.PacketRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != sess {
		return
	}

	f := s.filterIP
	if f != "" && f != row.SrcIP && f != row.DstIP {
		return
	}

	row.ID = s.nextID
	s.nextID++

	if s.size < s.capacity {
		s.ring[(s.head+s.size)%s.capacity] = row
		s.size++
	} else {
		s.ring[s.head] = row
		s.head = (s.head + 1) % s.capacity
	}

	length := uint64(row.Length)
	s.stats.PacketsTotal++
	s.stats.BytesTotal += length

	// Direction is only known relative to the filter address.
	if f != "" {
		if row.SrcIP == f {
			s.stats.PacketsOut++
			s.stats.BytesOut += length
		} else if row.DstIP == f {
			s.stats.PacketsIn++
			s.stats.BytesIn += length
		}
	}
}

func (s *CaptureState) resetLocked() {
	s.ring = make([]models.PacketRow, s.capacity)
	s.head = 0
	s.size = 0
	s.nextID = 1
	s.stats = models.CaptureStats{}
}
