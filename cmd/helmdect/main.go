package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"helmdect/internal/auth"
	"helmdect/internal/camera"
	"helmdect/internal/config"
	"helmdect/internal/database"
	"helmdect/internal/detection"
	"helmdect/internal/health"
	"helmdect/internal/logger"
	"helmdect/internal/metrics"
	"helmdect/internal/session"
	"helmdect/internal/telegram"
	"helmdect/internal/ws"
)

func main() {
	// Flags override the matching environment settings
	var (
		envF      = flag.String("env-file", "", "Optional .env file (default: ./.env)")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides HELMDECT_HTTP_ADDR)")
		grpcAddrF = flag.String("grpc-addr", "", "gRPC health listen address (overrides HELMDECT_GRPC_ADDR)")
		backendF  = flag.String("backend", "", "Detection backend URL (overrides HELMDECT_BACKEND_URL)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	var envFiles []string
	if *envF != "" {
		envFiles = append(envFiles, *envF)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *httpAddrF != "" {
		cfg.HTTPAddr = *httpAddrF
	}
	if *grpcAddrF != "" {
		cfg.GRPCAddr = *grpcAddrF
	}
	if *backendF != "" {
		cfg.BackendURL = *backendF
	}

	log, err := logger.New(cfg.LogLevel, cfg.IsDev() || *dbgF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Detection backend client
	client := detection.NewClient(detection.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.BackendTimeout,
		Debug:   *dbgF,
	})

	// Event bus and its subscribers
	bus := session.NewEventBus()
	defer bus.Close()

	manager := session.NewManager(client, session.ManagerConfig{
		Source:            camera.NewSource(cfg.CameraDevice),
		Hint:              cfg.CameraHint(),
		CaptureInterval:   cfg.CaptureInterval,
		DefaultConfidence: cfg.DefaultConfidence,
		DefaultSampleRate: cfg.DefaultSampleRate,
	}, bus, log)

	m := metrics.New(manager.Count)
	client.SetObserver(m.ObserveBackend)
	bus.Subscribe(m)

	hub := ws.NewSessionHub(log)
	defer hub.Close()
	bus.Subscribe(hub)

	var notifier *telegram.Notifier
	if cfg.Telegram.Enabled {
		notifier = telegram.NewNotifier(
			telegram.NewBot(cfg.Telegram),
			time.Duration(cfg.Telegram.CooldownSeconds)*time.Second,
			log,
		)
		bus.Subscribe(notifier)
		log.Info("telegram alerts enabled", zap.Int("cooldown_seconds", cfg.Telegram.CooldownSeconds))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Detection history
	var (
		db          *database.Database
		recorder    *database.Recorder
		unsubscribe = func() {}
	)
	if cfg.DBPath != "" {
		db, err = database.New(cfg.DBPath)
		if err != nil {
			log.Fatal("failed to open history database", zap.String("path", cfg.DBPath), zap.Error(err))
		}
		defer db.Close()

		recorder = database.NewRecorder(db, log)
		unsubscribe = bus.Subscribe(recorder)

		database.StartRetention(ctx, db, cfg.HistoryRetention, time.Hour, log)
		log.Info("detection history enabled", zap.String("path", cfg.DBPath), zap.Duration("retention", cfg.HistoryRetention))
	}

	authenticator := auth.NewAuthenticator(cfg.Auth)
	if authenticator.IsEnabled() {
		log.Info("authentication enabled", zap.String("username", cfg.Auth.Username))
	}

	var store health.StorePinger
	if db != nil {
		store = db
	}
	checker := health.NewChecker(client, store)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. SIGINT and SIGTERM stop the service gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// gRPC health server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal("failed to listen for gRPC", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		grpcServer := health.NewServer(checker, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := grpcServer.Serve(lis); err != nil {
					errc <- err
				}
			}()
			go grpcServer.Watch(ctx, 15*time.Second)

			<-ctx.Done()
			log.Info("shutting down gRPC health server")
			grpcServer.Stop()
		}()
	}

	handleHTTPServer(ctx, cfg, httpDeps{
		manager:       manager,
		client:        client,
		history:       db,
		checker:       checker,
		authenticator: authenticator,
		metrics:       m,
		hub:           hub,
	}, &wg, errc, log, *dbgF)

	// Wait for signal.
	log.Info("exiting", zap.Any("reason", <-errc))

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	// Tear sessions down before the subscribers go away
	manager.CloseAll()
	if recorder != nil {
		unsubscribe()
		recorder.Close()
	}
	if notifier != nil {
		notifier.Wait()
	}
	log.Info("exited")
}
