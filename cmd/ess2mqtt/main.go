// Ess2mqtt mirrors the telemetry of a home energy storage system onto an
// MQTT broker.
//
// It polls the device's local HTTP API, corrects the sign of power flow
// values, flattens every document into topic/value pairs and republishes
// the values that changed. A command topic writes the seasonal charging
// window back to the device, and a heartbeat announces liveness.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ess2mqtt serve              Start the bridge
//	ess2mqtt init [dir]         Write an example config.yaml
//	ess2mqtt version            Print version and build information
//	ess2mqtt -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/ess2mqtt/internal/buildinfo"
	"github.com/nugget/ess2mqtt/internal/config"
	"github.com/nugget/ess2mqtt/internal/control"
	"github.com/nugget/ess2mqtt/internal/ess"
	"github.com/nugget/ess2mqtt/internal/heartbeat"
	"github.com/nugget/ess2mqtt/internal/httpkit"
	"github.com/nugget/ess2mqtt/internal/mirror"
	"github.com/nugget/ess2mqtt/internal/mqtt"
	"github.com/nugget/ess2mqtt/internal/scheduler"
)

// shutdownTimeout bounds the offline publish and broker disconnect.
const shutdownTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so that the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ess2mqtt command. Structured logs
// go to stdout; the caller prints the returned error to stderr. Arguments
// are parsed by hand so that run has no package-level flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	if len(cmdArgs) > 0 && command != "init" {
		return fmt.Errorf("unexpected argument: %s", cmdArgs[0])
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ess2mqtt - energy storage telemetry bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ess2mqtt [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the device and publish to MQTT until interrupted")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ess2mqtt/config.yaml, /etc/ess2mqtt/config.yaml")
	return nil
}

// runServe wires the bridge together and runs the scheduler until a
// shutdown signal arrives. On shutdown the bridge publishes "offline" to
// its availability topic and disconnects from the broker.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ess2mqtt", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Levels were validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	busLevel, _ := config.ParseLogLevel(cfg.MQTT.LogLevel)
	logHandler := mqtt.NewLogHandler(newHandler(stdout, level, cfg.LogFormat), busLevel)
	logger = slog.New(logHandler)

	logger.Info("config loaded",
		"path", cfgPath,
		"device", cfg.Device.URL,
		"broker", cfg.MQTT.Broker,
		"base_topic", cfg.MQTT.BaseTopic,
		"endpoints", len(cfg.Endpoints),
	)

	// --- Device ---
	httpOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(cfg.Device.Timeout),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	}
	if cfg.Device.SkipVerify() {
		// The device serves a self-signed certificate.
		httpOpts = append(httpOpts, httpkit.WithTLSInsecureSkipVerify())
	}
	httpClient := httpkit.NewClient(httpOpts...)
	session := ess.NewSession(cfg.Device.URL, cfg.Device.Password, httpClient, logger)
	device := ess.NewClient(cfg.Device.URL, session, httpClient, logger)

	// --- Bus ---
	bus := mqtt.New(cfg.MQTT, logger)

	var ctrl *control.Channel
	if cfg.Control.IsEnabled() {
		window := control.Window{Start: cfg.Control.SeasonStart, Stop: cfg.Control.SeasonStop}
		ctrl = control.NewChannel(device, ess.BatterySettings, window, logger)
		// Registered before Start so the first connect subscribes.
		if err := bus.Subscribe(ctx, cfg.MQTT.ControlTopic, ctrl.Handle); err != nil {
			return fmt.Errorf("subscribe control topic: %w", err)
		}
	}

	// --- Telemetry ---
	changes := mirror.NewChangePublisher(bus, logger)
	pipeline := mirror.NewPipeline(device, changes, endpoints(cfg.Endpoints), logger)
	beat := heartbeat.New(bus, cfg.MQTT.AgentTopic, logger,
		heartbeat.WithSubscriptions(cfg.Heartbeat.IncludeSubscriptions()))

	sched := scheduler.New(logger)
	sched.Every("telemetry", cfg.Schedule.Telemetry, pipeline.Run)
	sched.Every("heartbeat", cfg.Schedule.Heartbeat, beat.Beat)
	if ctrl != nil {
		sched.Every("bus-pump", cfg.Schedule.Pump, ctrl.Pump)
	}
	for _, t := range sched.Tasks() {
		logger.Info("schedule configured",
			"task", t.Name(),
			"interval", t.Interval().String(),
			"enabled", t.Enabled(),
		)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A signal during the initial connect wait ends the wait; the
	// connection itself lives until Stop.
	if err := bus.Start(ctx); err != nil {
		return err
	}
	logHandler.Attach(bus, bus.LogTopic())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx, cfg.Schedule.Tick); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		logHandler.Attach(nil, "")

		// ctx is already cancelled; offline still needs time to go out.
		offlineCtx, offlineCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer offlineCancel()
		if err := bus.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("ess2mqtt stopped", "uptime", buildinfo.Uptime(), "tracked_metrics", changes.Len())
	return nil
}

// endpoints converts configured endpoints; the first is the primary.
func endpoints(cfgs []config.EndpointConfig) []ess.Endpoint {
	eps := make([]ess.Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		eps = append(eps, ess.Endpoint{Path: c.Path, Namespace: c.Namespace})
	}
	return eps
}

// newHandler creates the console handler at the given level and format.
// Format must be "text" or "json"; any other value defaults to text.
func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// newLogger creates a structured logger writing to w.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(newHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
