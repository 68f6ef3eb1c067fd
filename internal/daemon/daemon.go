// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/spooftcp/internal/config"
	logpkg "firestige.xyz/spooftcp/internal/log"
	"firestige.xyz/spooftcp/internal/metrics"
	"firestige.xyz/spooftcp/internal/netfilter"
	"firestige.xyz/spooftcp/internal/pipeline"
	"firestige.xyz/spooftcp/internal/route"
	"firestige.xyz/spooftcp/internal/spoof"
	"firestige.xyz/spooftcp/internal/transmit"
)

// Version is reported at startup.
const Version = "0.1.0"

// RuleManager installs and removes the interception rules.
type RuleManager interface {
	Install() error
	Remove() error
}

// Deps overrides host integrations. Zero fields use the Linux defaults:
// netlink routing, raw sockets, one NFQUEUE source per configured queue and
// iptables rules when netfilter.install_rules is set.
type Deps struct {
	Router      route.Router
	Transmitter spoof.Transmitter
	Sources     func(cfg *config.GlobalConfig, limiter *logpkg.Limiter) []pipeline.Source
	Rules       RuleManager

	// CapturePath, when set, also records every synthesized packet to a pcap file.
	CapturePath string
}

// QueueStats is the statistics of one execution context.
type QueueStats struct {
	Pipeline int            `json:"pipeline"`
	Source   string         `json:"source"`
	Stats    spoof.Snapshot `json:"stats"`
}

// Daemon manages the spooftcp daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string
	deps       Deps

	// Core components
	engine        *spoof.Engine
	router        route.Router
	limiter       *logpkg.Limiter
	rules         RuleManager
	pipelines     []*pipeline.Pipeline
	sources       []pipeline.Source
	closers       []io.Closer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	failChan     chan error
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance. A non-empty pidFile overrides
// control.pid_file.
func New(configPath, pidFile string, deps Deps) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		pidFile:      pidFile,
		deps:         deps,
		shutdownChan: make(chan struct{}, 1),
		failChan:     make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components. On failure the
// components started so far are stopped again.
func (d *Daemon) Start() error {
	if err := d.start(); err != nil {
		d.Stop()
		return err
	}
	slog.Info("daemon started successfully", "pipelines", len(d.pipelines))
	return nil
}

func (d *Daemon) start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting spooftcp daemon", "version", Version, "config", d.configPath)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Build the engine
	if err := d.buildEngine(); err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	// 4. Start one pipeline per source, each with its own context
	d.startPipelines()

	// 5. Divert traffic once the queues are bound
	if err := d.installRules(); err != nil {
		return fmt.Errorf("failed to install rules: %w", err)
	}

	// 6. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (d *Daemon) buildEngine() error {
	nf := d.config.Netfilter

	opts, err := spoof.ParseOptions(d.config.Spoof)
	if err != nil {
		return err
	}
	limiter, err := logpkg.NewLimiterFromConfig(d.config.Log.RateLimit)
	if err != nil {
		return err
	}
	d.limiter = limiter

	families, err := nf.ParsedFamilies()
	if err != nil {
		return err
	}

	router := d.deps.Router
	if router == nil {
		rt, err := route.NewNetlink()
		if err != nil {
			return fmt.Errorf("open route netlink: %w", err)
		}
		d.closers = append(d.closers, rt)
		router = rt
	}
	d.router = router

	tx := d.deps.Transmitter
	if tx == nil {
		raw, err := transmit.NewRaw(nf.Mark, families...)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, raw)
		tx = raw
	}
	if d.deps.CapturePath != "" {
		pw, err := transmit.CreatePcap(d.deps.CapturePath)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, pw)
		tx = transmit.Tee{tx, pw}
	}

	d.engine, err = spoof.NewEngine(spoof.Config{
		Options:     opts,
		Router:      router,
		Untracker:   spoof.MarkUntracker(nf.Mark),
		Transmitter: tx,
		Limiter:     limiter,
	})
	if err != nil {
		return err
	}

	slog.Info("engine configured",
		"payload_len", opts.PayloadLen,
		"tcp_flags", spoof.FormatTCPFlags(opts.TCPFlags),
		"ttl", opts.TTL,
		"corrupt_seq", opts.CorruptSeq,
		"corrupt_chksum", opts.CorruptChecksum,
		"delay", opts.Delay,
	)
	return nil
}

func (d *Daemon) startPipelines() {
	sources := d.deps.Sources
	if sources == nil {
		sources = queueSources
	}

	for i, src := range sources(d.config, d.limiter) {
		p := pipeline.New(pipeline.Config{ID: i, Source: src, Engine: d.engine})
		if err := p.Start(); err != nil {
			d.fail(err)
			continue
		}
		d.pipelines = append(d.pipelines, p)
		d.sources = append(d.sources, src)

		go func() {
			if err := p.Wait(); err != nil {
				d.fail(fmt.Errorf("pipeline %d: %w", p.ID(), err))
			}
		}()
	}
}

// queueSources binds one NFQUEUE source per configured queue number.
func queueSources(cfg *config.GlobalConfig, limiter *logpkg.Limiter) []pipeline.Source {
	nf := cfg.Netfilter
	sources := make([]pipeline.Source, 0, nf.QueueCount)
	for q := 0; q < nf.QueueCount; q++ {
		sources = append(sources, netfilter.NewQueue(netfilter.QueueConfig{
			Num:         nf.QueueStart + uint16(q),
			Mark:        nf.Mark,
			MaxQueueLen: nf.MaxQueueLen,
			FailOpen:    nf.FailOpen,
		}, limiter))
	}
	return sources
}

func (d *Daemon) installRules() error {
	rules := d.deps.Rules
	if rules == nil {
		if !d.config.Netfilter.InstallRules {
			slog.Info("rule installation disabled")
			return nil
		}
		r, err := netfilter.NewRules(d.config.Netfilter)
		if err != nil {
			return err
		}
		rules = r
	}
	if err := rules.Install(); err != nil {
		return err
	}
	d.rules = rules
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop diverting traffic
	if d.rules != nil {
		if err := d.rules.Remove(); err != nil {
			slog.Error("error removing rules", "error", err)
		}
	}

	// 2. Stop all pipelines
	for _, p := range d.pipelines {
		if err := p.Stop(); err != nil {
			slog.Debug("pipeline stopped with error", "pipeline_id", p.ID(), "error", err)
		}
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	// 4. Release sockets and files
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			slog.Error("error closing resource", "error", err)
		}
	}

	// 5. Cancel context to signal all goroutines
	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 7. Flush logs
	_ = logpkg.Close()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, TriggerShutdown
// or a failing pipeline. SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil

		case err := <-d.failChan:
			slog.Error("shutting down after component failure", "error", err)
			d.Stop()
			return err

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart): netfilter, spoof options, metrics listener.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	requiresRestart := []string{}

	oldConfig := d.config
	if err := logpkg.Init(newConfig.Log); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
		newConfig.Log = oldConfig.Log
	} else if !reflect.DeepEqual(newConfig.Log, oldConfig.Log) {
		hotReloaded = append(hotReloaded, "log")
	}

	if !reflect.DeepEqual(newConfig.Netfilter, oldConfig.Netfilter) {
		requiresRestart = append(requiresRestart, "netfilter")
	}
	if !reflect.DeepEqual(newConfig.Spoof, oldConfig.Spoof) {
		requiresRestart = append(requiresRestart, "spoof")
	}
	if newConfig.Metrics != oldConfig.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	// Link MTUs or encapsulations may have changed along with the config.
	if inv, ok := d.router.(interface{ Invalidate() }); ok {
		inv.Invalidate()
		hotReloaded = append(hotReloaded, "route_cache")
	}

	// Cold sections keep running with the values they started with.
	newConfig.Netfilter = oldConfig.Netfilter
	newConfig.Spoof = oldConfig.Spoof
	newConfig.Metrics = oldConfig.Metrics
	newConfig.Control = oldConfig.Control
	d.config = newConfig

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) fail(err error) {
	select {
	case d.failChan <- err:
	default:
	}
}

// Stats returns per-pipeline statistics.
func (d *Daemon) Stats() []QueueStats {
	out := make([]QueueStats, len(d.pipelines))
	for i, p := range d.pipelines {
		out[i] = QueueStats{Pipeline: p.ID(), Source: d.sources[i].Name(), Stats: p.Stats()}
	}
	return out
}

func (d *Daemon) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Stats()); err != nil {
		slog.Debug("stats encode failed", "error", err)
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	srv.Handle(StatsPath, http.HandlerFunc(d.serveStats))
	if err := srv.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = srv
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
