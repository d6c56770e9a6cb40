package sniffer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taida957789/maplesniffer/internal/capturesrc"
	"github.com/taida957789/maplesniffer/internal/config"
	"github.com/taida957789/maplesniffer/internal/controlplane"
	"github.com/taida957789/maplesniffer/internal/maple"
	"github.com/taida957789/maplesniffer/internal/pcapsink"
)

// Service owns every long-lived piece of one sniffer run: the protocol
// core, the live capture source, the optional pcap recorder, the control
// plane, and the JSON output forwarder. Session bookkeeping lives entirely
// in internal/maple.Dispatcher behind its own single mutex, so Service
// itself stays a thin wiring layer with no session map or worker pool of
// its own.
type Service struct {
	cfg *config.Config
	log zerolog.Logger

	dispatcher *maple.Dispatcher
	capture    *capturesrc.Source
	pcapSink   *pcapsink.Sink
	control    *controlplane.Plane
	output     *OutputManager
	logCloser  interface{ Close() error }

	statsInterval time.Duration

	packetsDecoded uint64
	framesDropped  uint64
	statsMu        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds every component from cfg but starts nothing yet.
func NewService(cfg *config.Config) (*Service, error) {
	log, closer, err := SetupLogging(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("sniffer: setup logging: %w", err)
	}

	s := &Service{
		cfg:           cfg,
		log:           log,
		logCloser:     closer,
		statsInterval: 5 * time.Second,
	}

	s.dispatcher = maple.NewDispatcher(NewZeroLogger(log))
	s.pcapSink = pcapsink.New(cfg.PcapSink, log)
	s.output = NewOutputManager(log)
	s.control = controlplane.New(cfg.Control.BindIP, cfg.Control.Port, log, s.dispatcher, s.statsSnapshot)

	s.capture = capturesrc.New(cfg.Capture, log, s.dispatcher, s.onRecords, s.pcapSink.HandleFrame)

	return s, nil
}

func (s *Service) onRecords(packets []maple.DecryptedPacket) {
	s.statsMu.Lock()
	s.packetsDecoded += uint64(len(packets))
	s.statsMu.Unlock()

	for _, pkt := range packets {
		s.log.Debug().
			Uint32("session_id", pkt.SessionID).
			Bool("outbound", pkt.Outbound).
			Str("opcode", controlplane.FormatOpcode(pkt.Opcode)).
			Int("length", pkt.Length).
			Msg("decoded packet")
	}

	s.output.Forward(packets)
	s.control.Broadcast(packets)
}

func (s *Service) statsSnapshot() map[string]any {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]any{
		"packets_decoded": s.packetsDecoded,
		"frames_dropped":  s.framesDropped,
		"sessions":        s.dispatcher.SessionCount(),
		"pcap":            s.pcapSink.Stats(),
		"control_bytes":   s.control.BytesOut(),
	}
}

// Start wires and launches every component: control plane and pcap sink
// first (so nothing is missed), then the optional output dial, then live
// capture.
func (s *Service) Start(parent context.Context) error {
	s.ctx, s.cancel = context.WithCancel(parent)

	if err := s.pcapSink.Start(s.ctx); err != nil {
		return fmt.Errorf("sniffer: pcap sink: %w", err)
	}
	if err := s.control.Start(s.ctx); err != nil {
		return fmt.Errorf("sniffer: control plane: %w", err)
	}
	if s.cfg.Output.Enabled {
		if err := s.output.Dial(s.cfg.Output.Addr, 5*time.Second); err != nil {
			s.log.Warn().Err(err).Msg("output target dial failed, continuing without it")
		}
	}
	if err := s.capture.Start(s.ctx); err != nil {
		return fmt.Errorf("sniffer: capture: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.periodicStats()
	}()

	s.log.Info().Str("iface", s.cfg.Capture.Iface).Msg("sniffer service started")
	return nil
}

func (s *Service) periodicStats() {
	t := time.NewTicker(s.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.log.Info().Interface("stats", s.statsSnapshot()).Msg("stats")
		}
	}
}

// Stop tears everything down. ctx bounds only the final wait for the
// background stats goroutine, not the component shutdown calls before it;
// when that wait times out Stop returns ctx.Err(), and the caller is
// expected to fall back to HardKillAll.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.capture.Stop()
	s.pcapSink.Stop()
	s.control.Close()
	s.output.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if s.logCloser != nil {
			_ = s.logCloser.Close()
		}
		return ctx.Err()
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
	return nil
}

// StatsSnapshot exposes the same counters the control plane's "stats"
// command returns, for a CLI that wants to print them on exit.
func (s *Service) StatsSnapshot() map[string]any { return s.statsSnapshot() }

// ListSessions returns a summary of every live session, for a CLI --list
// mode that doesn't want to open a control-plane connection to itself.
func (s *Service) ListSessions() []*maple.Session { return s.dispatcher.Sessions() }

// PID is a convenience accessor for log lines that want to disambiguate
// multiple sniffer processes on one host.
func (s *Service) PID() int { return os.Getpid() }
