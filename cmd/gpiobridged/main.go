package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lockerkit/gpiobridge/internal/api/rest"
	"github.com/lockerkit/gpiobridge/internal/api/websocket"
	"github.com/lockerkit/gpiobridge/internal/config"
	"github.com/lockerkit/gpiobridge/internal/daemon"
	"github.com/lockerkit/gpiobridge/internal/ipc"
	"github.com/lockerkit/gpiobridge/internal/usbgpio"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the daemon config")
	simulate := flag.Bool("simulate", false, "replace serial ports with loopback adapters")
	scenario := flag.String("scenario", "", "loopback scenario file (implies -simulate)")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *simulate || *scenario != "" {
		cfg.Simulate = true
	}
	if *scenario != "" {
		cfg.Scenario = *scenario
	}

	logger.Info("Config loaded successfully",
		zap.Int("adapters", len(cfg.Adapters)),
		zap.Bool("simulate", cfg.Simulate))

	openFor, err := buildOpeners(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to prepare serial openers", zap.Error(err))
	}

	d := daemon.New(cfg, openFor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var api *rest.Server
	if cfg.DebugAPI.Listen != "" {
		hub := websocket.NewHub(logger)
		go hub.Run()
		d.SetMirror(hub.Broadcast)
		api = rest.NewServer(cfg.DebugAPI.Listen, d, logger, hub)
		if err := api.Start(); err != nil {
			logger.Fatal("Failed to start debug API", zap.Error(err))
		}
	}

	cmdSrv, statusSrv, err := startIPC(ctx, cfg, d, logger)
	if err != nil {
		logger.Fatal("Failed to start IPC servers", zap.Error(err))
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		d.Run(ctx)
	}()

	logger.Info("gpiobridged started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	<-loopDone
	cmdSrv.Close()
	statusSrv.Close()
	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error("Debug API shutdown failed", zap.Error(err))
		}
	}

	logger.Info("gpiobridged stopped successfully")
}

// buildOpeners maps every adapter to its serial open function. In simulate
// mode each adapter gets its own loopback, seeded with the scenario file if
// one was given.
func buildOpeners(cfg *config.Config, logger *zap.Logger) (func(config.AdapterConfig) usbgpio.OpenFunc, error) {
	if !cfg.Simulate {
		return func(ac config.AdapterConfig) usbgpio.OpenFunc {
			return func() (usbgpio.Port, error) {
				return usbgpio.OpenNative(ac.TtyPath, ac.BaudRate)
			}
		}, nil
	}

	var scenario *usbgpio.Scenario
	if cfg.Scenario != "" {
		s, err := usbgpio.LoadScenario(cfg.Scenario)
		if err != nil {
			return nil, err
		}
		scenario = s
	}
	logger.Info("Running in simulation mode", zap.String("scenario", cfg.Scenario))
	return func(ac config.AdapterConfig) usbgpio.OpenFunc {
		return func() (usbgpio.Port, error) {
			return usbgpio.NewLoopback(scenario), nil
		}
	}, nil
}

// startIPC binds and serves both local sockets.
func startIPC(ctx context.Context, cfg *config.Config, d *daemon.Daemon, logger *zap.Logger) (*ipc.CommandServer, *ipc.StatusServer, error) {
	cmdSrv := ipc.NewCommandServer(cfg.Daemon.CommandSocket, d, logger)
	if err := cmdSrv.Listen(); err != nil {
		return nil, nil, err
	}
	statusSrv := ipc.NewStatusServer(cfg.Daemon.StatusSocket, d, logger)
	if err := statusSrv.Listen(); err != nil {
		cmdSrv.Close()
		return nil, nil, err
	}
	go func() {
		if err := cmdSrv.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Command server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := statusSrv.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Status server stopped", zap.Error(err))
		}
	}()
	return cmdSrv, statusSrv, nil
}
