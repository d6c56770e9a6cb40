// Package pcapsink records every raw captured frame to pcapng files on
// disk, grouped into one file per TCP connection and keyed by
// internal/maple.ConnectionKey.
package pcapsink

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"

	"github.com/taida957789/maplesniffer/internal/config"
	"github.com/taida957789/maplesniffer/internal/maple"
)

const queueSize = 20000

type writerMeta struct {
	writer *pcapgo.NgWriter
	file   *os.File
	path   string
	base   string
	start  time.Time
}

type item struct {
	key  string
	data []byte
	ci   gopacket.CaptureInfo
}

// Stats is a point-in-time snapshot of Sink activity.
type Stats struct {
	FilesOpened  int64
	FilesClosed  int64
	PktsWritten  int64
	PktsDropped  int64
	PktsFailed   int64
	BytesWritten int64
}

// Sink records every raw frame handed to HandleFrame into a per-connection
// pcapng file. It is meant to be wired as a capturesrc.RawFrameSink.
type Sink struct {
	enabled bool
	dir     string
	log     zerolog.Logger

	queue chan item

	mu      sync.Mutex
	writers map[string]*writerMeta

	statsMu      sync.Mutex
	stats        Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Sink built from cfg. It does nothing until Start is called.
func New(cfg config.PcapSinkConfig, log zerolog.Logger) *Sink {
	return &Sink{
		enabled: cfg.Enabled,
		dir:     cfg.Dir,
		log:     log,
		queue:   make(chan item, queueSize),
		writers: map[string]*writerMeta{},
	}
}

// Start creates the output directory (if needed) and begins the background
// writer goroutine. A no-op if the sink is disabled.
func (s *Sink) Start(parent context.Context) error {
	if !s.enabled {
		return nil
	}
	if s.dir == "" {
		s.log.Warn().Msg("pcap sink disabled: missing dir")
		s.enabled = false
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("pcapsink: mkdir %s: %w", s.dir, err)
	}
	if parent == nil {
		parent = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(parent)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	s.log.Info().Str("dir", s.dir).Msg("pcap sink enabled")
	return nil
}

// Stop cancels the writer goroutine and waits for every open file to be
// flushed and closed.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Stats returns a snapshot of counters.
func (s *Sink) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// HandleFrame is a capturesrc.RawFrameSink: it groups frames by the TCP
// 4-tuple, normalized so both directions of one connection land in the
// same file, and enqueues them for the background writer. Frames that
// don't parse as IPv4/TCP (shouldn't happen given the BPF filter, but the
// sink must not panic on them) fall into a shared "unkeyed" file.
func (s *Sink) HandleFrame(data []byte, timestamp float64) {
	if !s.enabled {
		return
	}
	key := "unkeyed"
	if seg, ok := maple.ParseFrame(data); ok {
		key = normalizedKey(seg.Key())
	}

	cp := append([]byte(nil), data...)
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, int64(timestamp*float64(time.Second))),
		CaptureLength: len(cp),
		Length:        len(cp),
	}

	select {
	case s.queue <- item{key: key, data: cp, ci: ci}:
	default:
		s.statsMu.Lock()
		s.stats.PktsDropped++
		s.statsMu.Unlock()
	}
}

func normalizedKey(k maple.ConnectionKey) string {
	a := fmt.Sprintf("%s_%d", ipString(k.SrcIP), k.SrcPort)
	b := fmt.Sprintf("%s_%d", ipString(k.DstIP), k.DstPort)
	if a > b {
		a, b = b, a
	}
	return a + "__" + b
}

func ipString(v uint32) string {
	ip := net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return ip.String()
}

func (s *Sink) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.drainAndClose("stop")
			return
		case it := <-s.queue:
			s.handleItem(it)
		}
	}
}

func (s *Sink) drainAndClose(reason string) {
	for {
		select {
		case it := <-s.queue:
			s.handleItem(it)
		default:
			s.mu.Lock()
			writers := s.writers
			s.writers = map[string]*writerMeta{}
			s.mu.Unlock()
			now := time.Now()
			for _, meta := range writers {
				s.closeWriter(meta, reason, now)
			}
			return
		}
	}
}

func (s *Sink) handleItem(it item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.writers[it.key]
	if meta == nil {
		var err error
		meta, err = s.openWriter(it.key, it.ci)
		if err != nil {
			s.statsMu.Lock()
			s.stats.PktsFailed++
			s.statsMu.Unlock()
			s.log.Warn().Err(err).Str("dir", s.dir).Msg("pcap open failed")
			return
		}
		s.writers[it.key] = meta
	}

	if err := meta.writer.WritePacket(it.ci, it.data); err != nil {
		s.statsMu.Lock()
		s.stats.PktsFailed++
		s.statsMu.Unlock()
		return
	}
	s.statsMu.Lock()
	s.stats.PktsWritten++
	s.stats.BytesWritten += int64(len(it.data))
	s.statsMu.Unlock()
}

func (s *Sink) openWriter(key string, ci gopacket.CaptureInfo) (*writerMeta, error) {
	startMS := ci.Timestamp.UnixMilli()
	fname := fmt.Sprintf("%s__%d__open.pcapng", key, startMS)
	path := filepath.Join(s.dir, fname)

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ng, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		f.Close()
		return nil, err
	}

	s.statsMu.Lock()
	s.stats.FilesOpened++
	s.statsMu.Unlock()
	return &writerMeta{writer: ng, file: f, path: path, base: key, start: ci.Timestamp}, nil
}

func (s *Sink) closeWriter(meta *writerMeta, reason string, end time.Time) {
	if meta == nil {
		return
	}
	_ = meta.writer.Flush()
	if meta.file != nil {
		_ = meta.file.Sync()
		_ = meta.file.Close()
	}
	s.statsMu.Lock()
	s.stats.FilesClosed++
	s.statsMu.Unlock()

	endMS := end.UnixMilli()
	startMS := meta.start.UnixMilli()
	newPath := filepath.Join(s.dir, fmt.Sprintf("%s__%d__%d__%s.pcapng", meta.base, startMS, endMS, reason))
	if meta.path != "" && meta.path != newPath {
		_ = os.Rename(meta.path, newPath)
	}
}
