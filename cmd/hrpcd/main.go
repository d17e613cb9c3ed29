// Command hrpcd runs the length-framed request/response RPC server: it
// loads configuration, wires the optional audit log and management API
// onto the core ratpc.Server, and blocks until an interrupt or SIGTERM
// triggers a graceful shutdown.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jroosing/hrpcd/internal/api"
	"github.com/jroosing/hrpcd/internal/audit"
	"github.com/jroosing/hrpcd/internal/config"
	"github.com/jroosing/hrpcd/internal/logging"
	"github.com/jroosing/hrpcd/internal/ratpc"
)

// shutdownTimeout bounds how long Stop/Shutdown are given to drain
// in-flight work once a shutdown signal arrives.
const shutdownTimeout = 5 * time.Second

// cliFlags mirrors the teacher's command-line override layer: flags win
// over the config file, which wins over built-in defaults.
type cliFlags struct {
	configPath string
	host       string
	port       int
	handlers   int
	apiEnabled bool
	apiPort    int
	logLevel   string
	jsonLogs   bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (env HRPCD_CONFIG)")
	flag.StringVar(&f.host, "host", "", "Override server.host")
	flag.IntVar(&f.port, "port", 0, "Override server.port")
	flag.IntVar(&f.handlers, "handlers", 0, "Override server.handler_count")
	flag.BoolVar(&f.apiEnabled, "api", false, "Force-enable the management API")
	flag.IntVar(&f.apiPort, "api-port", 0, "Override api.port")
	flag.StringVar(&f.logLevel, "log-level", "", "Override logging.level")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Force structured JSON logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.handlers != 0 {
		cfg.Server.HandlerCount = f.handlers
	}
	if f.apiEnabled {
		cfg.API.Enabled = true
	}
	if f.apiPort != 0 {
		cfg.API.Port = f.apiPort
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
	}
}

func main() {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hrpcd: load config: %v\n", err)
		os.Exit(1)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("hrpcd: exiting with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		var err error
		auditLog, err = audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
		logger.Info("hrpcd: audit log enabled", slog.String("path", cfg.Audit.DBPath))
	}

	ratpcCfg, err := toRatpcConfig(cfg.Server)
	if err != nil {
		return fmt.Errorf("build ratpc config: %w", err)
	}
	if auditLog != nil {
		ratpcCfg.Observer = auditLog
	}

	rpcServer := ratpc.New(ratpcCfg, echoDispatcher{}, logger)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}

	var apiSrv *api.Server
	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		apiSrv = api.New(cfg, logger)
		apiSrv.SetRPCServer(rpcServer)
		if auditLog != nil {
			apiSrv.SetAuditLog(auditLog)
		}
		g.Go(func() error {
			logger.Info("hrpcd: management API listening", slog.String("addr", apiSrv.Addr()))
			if serveErr := apiSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return fmt.Errorf("management api: %w", serveErr)
			}
			return nil
		})
	}

	logger.Info("hrpcd: running", slog.String("addr", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))))

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if apiSrv != nil {
		if shutdownErr := apiSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("hrpcd: api shutdown error", slog.Any("err", shutdownErr))
		}
	}
	if stopErr := rpcServer.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("hrpcd: rpc server shutdown error", slog.Any("err", stopErr))
	}

	return g.Wait()
}

// toRatpcConfig translates the loaded YAML/env configuration into
// ratpc.Config, parsing the duration strings config.go stores as raw
// text and wiring the echo Dispatcher's codec pair.
func toRatpcConfig(sc config.ServerConfig) (ratpc.Config, error) {
	deserializeIdle, err := parseDurationOrZero(sc.DeserializeIdle)
	if err != nil {
		return ratpc.Config{}, fmt.Errorf("deserialize_idle: %w", err)
	}
	maxIdleTime, err := parseDurationOrZero(sc.MaxIdleTime)
	if err != nil {
		return ratpc.Config{}, fmt.Errorf("max_idle_time: %w", err)
	}
	sweepInterval, err := parseDurationOrZero(sc.SweepInterval)
	if err != nil {
		return ratpc.Config{}, fmt.Errorf("sweep_interval: %w", err)
	}
	purgeInterval, err := parseDurationOrZero(sc.PurgeInterval)
	if err != nil {
		return ratpc.Config{}, fmt.Errorf("purge_interval: %w", err)
	}

	listeners := 0
	if sc.Workers.Mode == config.WorkersFixed {
		listeners = sc.Workers.Value
	}

	return ratpc.Config{
		ListenAddr:            net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port)),
		Listeners:             listeners,
		ListenBacklog:         sc.ListenBacklog,
		HandlerCount:          sc.HandlerCount,
		PerHandlerLimit:       sc.PerHandlerLimit,
		ResponseQueueMaxBytes: sc.ResponseQueueMaxBytes,
		MaxFrameBytes:         sc.MaxFrameBytes,
		MaxResponseBytes:      sc.MaxResponseBytes,
		DeserializeCore:       sc.DeserializeCore,
		DeserializeMax:        sc.DeserializeMax,
		DeserializeIdle:       deserializeIdle,
		MaxEvictionsPerSweep:  sc.MaxEvictionsPerSweep,
		MaxIdleTime:           maxIdleTime,
		SweepInterval:         sweepInterval,
		PurgeInterval:         purgeInterval,
		WriteChunkSizeBytes:   sc.WriteChunkSizeBytes,
		DecodeRequest:         echoDecode,
		EncodeResponse:        echoEncode,
		Namespace:             "hrpcd",
	}, nil
}

func parseDurationOrZero(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// echoDispatcher is the default application wiring: it echoes the
// request body back as the response, with a "-pong" suffix so a caller
// can tell request from reply on the wire. Real deployments supply their
// own ratpc.Dispatcher and codec pair; spec.md §9 leaves application
// dispatch out of the core's scope entirely.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ *ratpc.CallContext, req any) (any, error) {
	body, _ := req.(string)
	return body + "-pong", nil
}

func echoDecode(r *bytes.Reader) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func echoEncode(w *bytes.Buffer, resp any) error {
	w.WriteString(resp.(string))
	return nil
}
