// Package config loads the sniffer's YAML configuration file with
// spf13/viper, the way other_examples/shine-o-shine's packet-sniffer
// configures its own gopacket-based capture.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// CaptureConfig describes the live-capture source: which interface to
// open and the BPF filter template it's built from.
type CaptureConfig struct {
	Iface      string
	LocalIP    string
	RemoteIP   string
	RemotePort int
	LocalPort  int
	BPFFilter  string
	SnapLen    int
}

// OutputConfig describes where decoded records go once emitted.
type OutputConfig struct {
	Enabled bool
	Addr    string
}

// LoggingConfig configures a zerolog logger split between console output
// and an optional file sink.
type LoggingConfig struct {
	ConsoleLevel string
	FileEnabled  bool
	FilePath     string
	FileLevel    string
}

// ControlConfig describes the control/inspection TCP listener.
type ControlConfig struct {
	BindIP string
	Port   int
}

// PcapSinkConfig describes optional pcapng recording of raw captured
// traffic, keyed per session.
type PcapSinkConfig struct {
	Enabled bool
	Dir     string
}

// Config is the fully validated, typed configuration for one sniffer run.
type Config struct {
	Capture CaptureConfig
	Output  OutputConfig
	Logging LoggingConfig
	Control ControlConfig
	PcapSink PcapSinkConfig
}

const defaultBPFTemplate = "tcp and (((src host {local_ip} and dst host {remote_ip} and dst port {remote_port}) or (src host {remote_ip} and src port {remote_port} and dst host {local_ip})))"

// requiredKeys are validated present before Load returns, so a missing
// interface or IP fails fast at startup instead of surfacing as a cryptic
// capture error later.
var requiredKeys = []string{
	"capture.iface",
	"capture.local_ip",
	"capture.remote_ip",
}

// Load reads path (or, if empty, "config.yaml" from the working
// directory) via viper and returns a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetDefault("capture.remote_port", 8484)
	v.SetDefault("capture.snaplen", 65536)
	v.SetDefault("capture.bpf_filter", defaultBPFTemplate)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.level", "info")
	v.SetDefault("control.bind_ip", "127.0.0.1")
	v.SetDefault("control.port", 50005)
	v.SetDefault("output.enabled", false)
	v.SetDefault("pcap_sink.enabled", false)
	v.SetDefault("pcap_sink.dir", "captures")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}

	bpf := v.GetString("capture.bpf_filter")
	bpf = strings.NewReplacer(
		"{local_ip}", v.GetString("capture.local_ip"),
		"{remote_ip}", v.GetString("capture.remote_ip"),
		"{remote_port}", fmt.Sprintf("%d", v.GetInt("capture.remote_port")),
	).Replace(bpf)
	if lp := v.GetInt("capture.local_port"); lp > 0 {
		bpf = fmt.Sprintf("(%s) and (tcp port %d)", bpf, lp)
	}

	cfg := &Config{
		Capture: CaptureConfig{
			Iface:      v.GetString("capture.iface"),
			LocalIP:    v.GetString("capture.local_ip"),
			RemoteIP:   v.GetString("capture.remote_ip"),
			RemotePort: v.GetInt("capture.remote_port"),
			LocalPort:  v.GetInt("capture.local_port"),
			BPFFilter:  bpf,
			SnapLen:    v.GetInt("capture.snaplen"),
		},
		Output: OutputConfig{
			Enabled: v.GetBool("output.enabled"),
			Addr:    v.GetString("output.addr"),
		},
		Logging: LoggingConfig{
			ConsoleLevel: v.GetString("logging.console.level"),
			FileEnabled:  v.GetBool("logging.file.enabled"),
			FilePath:     v.GetString("logging.file.path"),
			FileLevel:    v.GetString("logging.file.level"),
		},
		Control: ControlConfig{
			BindIP: v.GetString("control.bind_ip"),
			Port:   v.GetInt("control.port"),
		},
		PcapSink: PcapSinkConfig{
			Enabled: v.GetBool("pcap_sink.enabled"),
			Dir:     v.GetString("pcap_sink.dir"),
		},
	}
	return cfg, nil
}
