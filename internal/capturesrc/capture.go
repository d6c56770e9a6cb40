// Package capturesrc drives a live libpcap capture and feeds every raw
// frame straight into internal/maple.Dispatcher, which does its own TCP
// reassembly — this package never buffers or reorders bytes itself, it
// just decodes link-layer framing and hands whole frames onward.
package capturesrc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"

	"github.com/taida957789/maplesniffer/internal/config"
	"github.com/taida957789/maplesniffer/internal/maple"
)

// RecordSink receives every batch of records the Dispatcher produces from
// one captured frame.
type RecordSink func([]maple.DecryptedPacket)

// RawFrameSink receives the raw bytes of every captured frame, in addition
// to whatever the Dispatcher decoded from it. Used by internal/pcapsink to
// record traffic alongside live decoding.
type RawFrameSink func(data []byte, timestamp float64)

// Source owns one pcap handle and the goroutine reading from it.
type Source struct {
	cfg        config.CaptureConfig
	log        zerolog.Logger
	dispatcher *maple.Dispatcher
	onRecords  RecordSink
	onRawFrame RawFrameSink

	handle *pcap.Handle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Source. onRecords is called with every batch of decoded
// records produced by one frame; onRawFrame (optional, may be nil) is
// called with the raw frame bytes before decoding, for a pcap sink.
func New(cfg config.CaptureConfig, log zerolog.Logger, dispatcher *maple.Dispatcher, onRecords RecordSink, onRawFrame RawFrameSink) *Source {
	return &Source{cfg: cfg, log: log, dispatcher: dispatcher, onRecords: onRecords, onRawFrame: onRawFrame}
}

// Start opens the capture handle, installs the BPF filter, and begins
// reading packets in a background goroutine.
func (s *Source) Start(ctx context.Context) error {
	handle, err := pcap.OpenLive(s.cfg.Iface, int32(s.cfg.SnapLen), true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("capturesrc: open %s: %w", s.cfg.Iface, err)
	}
	if s.cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(s.cfg.BPFFilter); err != nil {
			handle.Close()
			return fmt.Errorf("capturesrc: bpf filter: %w", err)
		}
	}
	if handle.LinkType() != layers.LinkTypeEthernet {
		handle.Close()
		return fmt.Errorf("capturesrc: unsupported link type %s, only Ethernet is decoded", handle.LinkType())
	}
	s.handle = handle

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, handle)
	}()

	s.log.Info().Str("iface", s.cfg.Iface).Str("bpf", s.cfg.BPFFilter).Msg("capture started")
	return nil
}

func (s *Source) run(ctx context.Context, handle *pcap.Handle) {
	defer handle.Close()
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.NoCopy = true
	src.Lazy = true
	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			s.handlePacket(pkt)
		}
	}
}

func (s *Source) handlePacket(pkt gopacket.Packet) {
	data := pkt.Data()
	ts := timestampSeconds(pkt)

	if s.onRawFrame != nil {
		s.onRawFrame(data, ts)
	}

	records := s.dispatcher.HandleFrame(data, ts)
	if len(records) > 0 && s.onRecords != nil {
		s.onRecords(records)
	}
}

func timestampSeconds(pkt gopacket.Packet) float64 {
	md := pkt.Metadata()
	if md == nil {
		return 0
	}
	return float64(md.Timestamp.UnixNano()) / 1e9
}

// Stop cancels the read loop and waits for it to exit.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Interface describes one capturable network interface.
type Interface struct {
	Name        string
	Description string
}

// ListInterfaces enumerates capturable interfaces via pcap.FindAllDevs.
func ListInterfaces() ([]Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("capturesrc: list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(devs))
	for _, d := range devs {
		out = append(out, Interface{Name: d.Name, Description: d.Description})
	}
	return out, nil
}
