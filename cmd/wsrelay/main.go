package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/wsrelay/internal/actor"
	"github.com/codefionn/wsrelay/internal/admission"
	"github.com/codefionn/wsrelay/internal/autosave"
	"github.com/codefionn/wsrelay/internal/broadcast"
	"github.com/codefionn/wsrelay/internal/config"
	"github.com/codefionn/wsrelay/internal/lifecycle"
	"github.com/codefionn/wsrelay/internal/logger"
	"github.com/codefionn/wsrelay/internal/pidfile"
	"github.com/codefionn/wsrelay/internal/pprof"
	"github.com/codefionn/wsrelay/internal/registry"
	"github.com/codefionn/wsrelay/internal/relay"
)

const (
	autosaveMailboxSize = 16
	shutdownTimeout     = 10 * time.Second
)

type cliOptions struct {
	configPath string
	dotenvPath string
	listenAddr string
	logLevel   string
	logPath    string
	noWatch    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseCLIArgs(args []string, output io.Writer) (cliOptions, error) {
	opts := cliOptions{}

	fs := flag.NewFlagSet("wsrelay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON config file")
	fs.StringVar(&opts.dotenvPath, "env-file", ".env", "Path to a .env file with WSRELAY_* variables")
	fs.StringVar(&opts.listenAddr, "listen", "", "Listen address (overrides listen_addr)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	fs.StringVar(&opts.logPath, "log-path", "", "Log file path, - for stderr")
	fs.BoolVar(&opts.noWatch, "no-watch", false, "Do not reload the config file on change")

	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: wsrelay [flags]\n\n")
		fmt.Fprintf(output, "WebSocket broadcast relay. Clients connect to /ws?username=<name>.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// loadConfig applies the .env file, the config file with its environment
// overrides, and finally the command-line flags.
func loadConfig(opts cliOptions) (*config.Config, error) {
	if opts.dotenvPath != "" {
		if err := config.LoadDotenv(opts.dotenvPath); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logPath != "" {
		cfg.LogPath = opts.logPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run() (err error) {
	opts, err := parseCLIArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	log := logger.Global()

	if cfg.PIDPath != "" {
		pf, err := pidfile.Acquire(cfg.PIDPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				log.Warn("%v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PprofAddr != "" {
		debug := pprof.NewServer(pprof.Config{Addr: cfg.PprofAddr}, log.WithPrefix("pprof"))
		if err := debug.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := debug.Stop(stopCtx); err != nil {
				log.Warn("%v", err)
			}
		}()
	}

	// Shared components, constructed once.
	reg := registry.New()
	controller := admission.NewController(cfg.Limits())
	router := broadcast.NewRouter(reg, log.WithPrefix("broadcast"))

	client, err := autosave.NewClient(autosave.ClientConfig{
		BaseURL: cfg.AutosaveURL,
		Timeout: cfg.AutosaveTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create autosave client: %w", err)
	}

	autosaveLog := log.WithPrefix("autosave")
	system := actor.NewSystem()
	// Not tied to the signal context: departures during shutdown still queue
	// work that StopAll drains.
	mailbox, err := system.Spawn(context.Background(), autosave.ActorID, autosave.NewNotifierActor(client, autosaveLog, nil), autosaveMailboxSize)
	if err != nil {
		return fmt.Errorf("failed to start autosave notifier: %w", err)
	}
	saver := autosave.NewService(cfg.DocumentID, cfg.AutosaveReason, autosave.LogFinalizer{Log: autosaveLog}, mailbox, autosaveLog)

	notifier := lifecycle.New(reg, router, saver, log.WithPrefix("lifecycle"))

	srv := relay.NewServer(relay.Options{
		ListenAddr:      cfg.ListenAddr,
		SendBufferSize:  cfg.SendBufferSize,
		MaxMessageBytes: int64(cfg.MaxMessageBytes),
		EchoSender:      cfg.EchoSender,

		RejectWithCloseFrame: cfg.RejectWithCloseFrame,
	}, relay.Deps{
		Admission: controller,
		Registry:  reg,
		Router:    router,
		Notifier:  notifier,
		Workers:   system,
		Log:       log.WithPrefix("relay"),
	})

	if !opts.noWatch {
		startup := *cfg
		err := config.Watch(ctx, opts.configPath, func(next *config.Config) {
			controller.SetLimits(next.Limits())
			srv.SetEchoSender(next.EchoSender)
			log.Info("Applied limits %+v, echo_sender=%t", next.Limits(), next.EchoSender)

			// Only the gate limits and echo_sender are reloaded.
			if next.ListenAddr != startup.ListenAddr || next.LogPath != startup.LogPath || next.LogLevel != startup.LogLevel {
				log.Warn("Changes to listen_addr, log_path and log_level need a restart")
			}
		})
		if err != nil {
			log.Warn("Config reload disabled: %v", err)
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	// Flushes autosave notifications queued by the last departures.
	if err := system.StopAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop actors: %w", err))
	}
	return errors.Join(errs...)
}
