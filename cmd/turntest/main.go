package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/edup2p/turntest/harness"
	"github.com/edup2p/turntest/types"
)

// Flags
var (
	configFile string
	logLevel   string

	startPort  int
	threadCnt  int
	messageCnt int
	clientHost string
	turnHost   string
	turnPort   int

	receiveTimeout time.Duration
	interval       time.Duration
	maxParallel    int
	reportFormat   string
	metricsAddr    string
	redisAddr      string
	redisChannel   string
)

func init() {
	def := harness.DefaultConfig()

	flag.StringVar(&configFile, "config", "", "path to a YAML config file, flags override its values")
	flag.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	flag.IntVar(&startPort, "port", def.StartPort, "first local port, every session takes two (0 for ephemeral ports)")
	flag.IntVar(&threadCnt, "thread_cnt", def.Sessions, "number of concurrent sessions")
	flag.IntVar(&messageCnt, "message_cnt", def.Messages, "messages per direction per session")
	flag.StringVar(&clientHost, "client_host", def.ClientHost, "local address for client and peer sockets")
	flag.StringVar(&turnHost, "turn_host", def.TurnHost, "TURN server host")
	flag.IntVar(&turnPort, "turn_port", def.TurnPort, "TURN server port")

	flag.DurationVar(&receiveTimeout, "receive-timeout", def.ReceiveTimeout, "how long to wait for every reply or relayed datagram")
	flag.DurationVar(&interval, "interval", def.MessageInterval, "pause between data messages")
	flag.IntVar(&maxParallel, "max-parallel", def.MaxParallel, "cap on sessions running at once (0 for no cap)")
	flag.StringVar(&reportFormat, "report-format", def.ReportFormat, "report format on stdout (lines, json)")
	flag.StringVar(&metricsAddr, "metrics-addr", def.MetricsAddr, "serve prometheus metrics on this address while running")
	flag.StringVar(&redisAddr, "redis-addr", def.RedisAddr, "also publish the report to this redis server")
	flag.StringVar(&redisChannel, "redis-channel", def.RedisChannel, "redis channel for the report")
}

var programLevel = new(slog.LevelVar) // Info by default

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	flag.Parse()

	var level = slog.LevelInfo

	switch logLevel {
	case "trace":
		level = types.LevelTrace
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "":
		break
	default:
		slog.Warn("could not recognise flag --log-level, will use log level info", "unrecognised-argument", logLevel)
	}

	programLevel.Set(level)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("could not load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metrics *harness.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = harness.NewMetrics(reg)

		go func() {
			if err := harness.ServeMetrics(ctx, cfg.MetricsAddr, reg); err != nil {
				slog.Error("metrics server failed", "err", err)
			}
		}()
	}

	sinks := []harness.Sink{&harness.WriterSink{W: os.Stdout, Format: cfg.ReportFormat}}

	if cfg.RedisAddr != "" {
		rs, err := harness.NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			slog.Error("could not connect to redis", "err", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		sinks = append(sinks, rs)
	}

	o, err := harness.New(cfg, metrics)
	if err != nil {
		slog.Error("could not set up run", "err", err)
		os.Exit(1)
	}

	report := o.Run(ctx)

	if ctx.Err() != nil {
		slog.Info("SIGTERM/INT, stopped early")
	}

	// Publishing happens after an interrupt too, so use a fresh context.
	pubCtx, pubCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pubCancel()

	var errs []error
	for _, s := range sinks {
		if err := s.Publish(pubCtx, report); err != nil {
			errs = append(errs, err)
		}
		if err := s.Close(); err != nil {
			slog.Warn("could not close report sink", "err", err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("could not publish report", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies every flag the user set on top.
func loadConfig() (harness.Config, error) {
	cfg := harness.DefaultConfig()

	if configFile != "" {
		var err error
		if cfg, err = harness.LoadConfig(configFile); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.StartPort = startPort
		case "thread_cnt":
			cfg.Sessions = threadCnt
		case "message_cnt":
			cfg.Messages = messageCnt
		case "client_host":
			cfg.ClientHost = clientHost
		case "turn_host":
			cfg.TurnHost = turnHost
		case "turn_port":
			cfg.TurnPort = turnPort
		case "receive-timeout":
			cfg.ReceiveTimeout = receiveTimeout
		case "interval":
			cfg.MessageInterval = interval
		case "max-parallel":
			cfg.MaxParallel = maxParallel
		case "report-format":
			cfg.ReportFormat = reportFormat
		case "metrics-addr":
			cfg.MetricsAddr = metricsAddr
		case "redis-addr":
			cfg.RedisAddr = redisAddr
		case "redis-channel":
			cfg.RedisChannel = redisChannel
		}
	})

	return cfg, cfg.Validate()
}
