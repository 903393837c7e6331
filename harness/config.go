package harness

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPayload is 100 bytes, about the size of an RTP packet in a call.
const DefaultPayload = "datadatadatadatadatadatadatadatadatadatadatadatada" +
	"tadatadatadatadatadatadatadatadatadatadatadatadata"

const (
	ReportFormatLines = "lines"
	ReportFormatJSON  = "json"
)

// Config describes one harness run.
type Config struct {
	Sessions   int    `yaml:"sessions"`
	Messages   int    `yaml:"messages"`
	ClientHost string `yaml:"client_host"`
	StartPort  int    `yaml:"start_port"`
	TurnHost   string `yaml:"turn_host"`
	TurnPort   int    `yaml:"turn_port"`

	ChannelMin    uint32 `yaml:"channel_min"`
	ChannelMax    uint32 `yaml:"channel_max"`
	ChannelStride uint32 `yaml:"channel_stride"`

	ReceiveTimeout  time.Duration `yaml:"receive_timeout"`
	MessageInterval time.Duration `yaml:"message_interval"`

	// MaxParallel caps how many sessions run at once, 0 runs all of them at once.
	MaxParallel int `yaml:"max_parallel"`

	Payload string `yaml:"payload"`

	ReportFormat string `yaml:"report_format"`
	MetricsAddr  string `yaml:"metrics_addr"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

func DefaultConfig() Config {
	return Config{
		Sessions:   250,
		Messages:   1000,
		ClientHost: "127.0.0.1",
		StartPort:  6000,
		TurnHost:   "127.0.0.1",
		TurnPort:   3478,

		ChannelMin:    0x40000000,
		ChannelMax:    0x80000000,
		ChannelStride: 0x10000,

		ReceiveTimeout:  time.Second,
		MessageInterval: 100 * time.Millisecond,

		Payload: DefaultPayload,

		ReportFormat: ReportFormatLines,
		RedisChannel: "turntest:reports",
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// EndPort is the last port the run binds, or 0 when ports are ephemeral.
func (c Config) EndPort() int {
	if c.StartPort == 0 {
		return 0
	}
	return c.StartPort + c.Sessions*2 - 1
}

// ChannelCapacity is how many distinct channel numbers the configured range holds.
func (c Config) ChannelCapacity() int {
	if c.ChannelStride == 0 || c.ChannelMax <= c.ChannelMin {
		return 0
	}
	return int((c.ChannelMax - c.ChannelMin) / c.ChannelStride)
}

func (c Config) Validate() error {
	var errs []error

	if c.Sessions < 1 {
		errs = append(errs, fmt.Errorf("sessions must be at least 1, got %d", c.Sessions))
	}
	if c.Messages < 0 {
		errs = append(errs, fmt.Errorf("messages must not be negative, got %d", c.Messages))
	}

	if c.ClientHost == "" {
		errs = append(errs, errors.New("client_host is required"))
	} else if addr, err := netip.ParseAddr(c.ClientHost); err == nil && addr.IsUnspecified() {
		errs = append(errs, fmt.Errorf("client_host %s is unspecified, the relay could not reach the peer", c.ClientHost))
	}
	if c.TurnHost == "" {
		errs = append(errs, errors.New("turn_host is required"))
	}
	if c.TurnPort < 1 || c.TurnPort > 65535 {
		errs = append(errs, fmt.Errorf("turn_port out of range 1-65535, got %d", c.TurnPort))
	}

	if c.StartPort < 0 || c.StartPort > 65535 {
		errs = append(errs, fmt.Errorf("start_port out of range 0-65535, got %d", c.StartPort))
	} else if c.EndPort() > 65535 {
		errs = append(errs, fmt.Errorf("port range %d-%d does not fit below 65536", c.StartPort, c.EndPort()))
	}

	switch {
	case c.ChannelStride == 0:
		errs = append(errs, errors.New("channel_stride must not be zero"))
	case c.ChannelMin&0xFFFF != 0 || c.ChannelStride&0xFFFF != 0:
		// The number sits in the upper 16 bits, anything below would end up in the length field.
		errs = append(errs, fmt.Errorf("channel_min %#x and channel_stride %#x must leave the low 16 bits clear", c.ChannelMin, c.ChannelStride))
	case c.ChannelMax <= c.ChannelMin:
		errs = append(errs, fmt.Errorf("channel range [%#x, %#x) is empty", c.ChannelMin, c.ChannelMax))
	case (c.ChannelMax-c.ChannelMin)%c.ChannelStride != 0:
		errs = append(errs, fmt.Errorf("channel range [%#x, %#x) is not a multiple of stride %#x", c.ChannelMin, c.ChannelMax, c.ChannelStride))
	case c.Sessions > c.ChannelCapacity():
		errs = append(errs, fmt.Errorf("%d sessions do not fit in %d distinct channels", c.Sessions, c.ChannelCapacity()))
	}

	if c.ReceiveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("receive_timeout must be positive, got %s", c.ReceiveTimeout))
	}
	if c.MessageInterval < 0 {
		errs = append(errs, fmt.Errorf("message_interval must not be negative, got %s", c.MessageInterval))
	}
	if c.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max_parallel must not be negative, got %d", c.MaxParallel))
	}

	switch c.ReportFormat {
	case ReportFormatLines, ReportFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("report_format must be %q or %q, got %q", ReportFormatLines, ReportFormatJSON, c.ReportFormat))
	}

	if c.RedisAddr != "" && c.RedisChannel == "" {
		errs = append(errs, errors.New("redis_channel is required when redis_addr is set"))
	}

	return errors.Join(errs...)
}
