// Package sample is the bring-up sequence shared by every cmd/ sample
// accessory: load config, pick a platform.KVStore backend, assemble a
// hapserver.Config around a caller-supplied db.Database, and run the
// optional console/remoteapi/maintenance surfaces on top. Grounded on the
// teacher's root main.go (flag/logrus setup, construct the BLE
// collaborator, wire write/read handlers, then block) generalized from one
// hard-coded profile to an arbitrary accessory, per hapserver.go's own
// doc comment crediting that bring-up sequence as its model.
package sample

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/internal/bleperiph"
	"github.com/jwoglom/haprt/internal/config"
	"github.com/jwoglom/haprt/internal/console"
	"github.com/jwoglom/haprt/internal/discovery"
	"github.com/jwoglom/haprt/internal/kvstore/memory"
	"github.com/jwoglom/haprt/internal/kvstore/rediskv"
	"github.com/jwoglom/haprt/internal/kvstore/s3kv"
	"github.com/jwoglom/haprt/internal/kvstore/sqlitekv"
	"github.com/jwoglom/haprt/internal/maintenance"
	"github.com/jwoglom/haprt/internal/metrics"
	"github.com/jwoglom/haprt/internal/nfcreader"
	"github.com/jwoglom/haprt/internal/remoteapi"
	"github.com/jwoglom/haprt/internal/sysplatform"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapserver"
	"github.com/jwoglom/haprt/pkg/pairsetup"
	"github.com/jwoglom/haprt/pkg/platform"
)

// Options parameterizes one accessory process; only Database is required.
// An empty ServiceName falls back to the configured accessory name, and
// everything else falls back to config.Load's defaults or is skipped when
// left zero.
type Options struct {
	ConfigPath  string
	Database    *db.Database
	ServiceName string
	Category    int

	// EnableBLE stands up internal/bleperiph as the BLE transport
	// alongside IP. Sample accessories default to IP-only since
	// paypal/gatt requires a real BlueZ adapter.
	EnableBLE bool
}

// Accessory bundles the running server and the ambient surfaces a cmd/ app
// needs to close down in reverse order on shutdown.
type Accessory struct {
	Server     *hapserver.Server
	Config     *config.Config
	scheduler  *maintenance.Scheduler
	consoleSrv *console.Server
	adminApp   *fiber.App
	closers    []func() error
}

// Bringup loads configuration, constructs every platform collaborator and
// returns a running Accessory. Callers block on WaitForSignal (or their own signal
// handling) and then call Shutdown.
func Bringup(opts Options) (*Accessory, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("sample: load config: %w", err)
	}
	configureLogger(cfg.Logger)

	if opts.ServiceName == "" {
		opts.ServiceName = cfg.Accessory.Name
	}
	if opts.Category == 0 {
		opts.Category = cfg.Accessory.Category
	}

	acc := &Accessory{Config: cfg}

	kv, closeKV, err := openKVStore(cfg.KV)
	if err != nil {
		return nil, err
	}
	if closeKV != nil {
		acc.closers = append(acc.closers, closeKV)
	}

	clock := sysplatform.SystemClock{}
	rng := sysplatform.SystemRNG{}
	tcp := sysplatform.NewTCPManager()

	mdns, err := discovery.New()
	if err != nil {
		return nil, fmt.Errorf("sample: start mdns responder: %w", err)
	}
	// mdns.Stop is called by srv.Stop below; no separate closer needed.

	var ble platform.BLEPeripheralManager
	if opts.EnableBLE {
		ble = bleperiph.NewManager()
	}

	staticCode := cfg.Accessory.SetupCode
	setupCode := pairsetup.SetupCodeProvider(func() (string, error) { return staticCode, nil })
	if cfg.NFC.Enabled {
		reader, err := nfcreader.Open(nfcreader.Config{Port: cfg.NFC.Port, BaudRate: cfg.NFC.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("sample: open nfc reader: %w", err)
		}
		acc.closers = append(acc.closers, reader.Close)
		setupCode = reader.SetupCode
	}

	var metricsSink *metrics.Sink
	if cfg.Metrics.Enabled {
		sink, err := metrics.Open(metrics.Config{
			URL:           cfg.Metrics.URL,
			Token:         cfg.Metrics.Token,
			Org:           cfg.Metrics.Org,
			Bucket:        cfg.Metrics.Bucket,
			AccessoryName: opts.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("sample: open metrics sink: %w", err)
		}
		metricsSink = sink
		acc.closers = append(acc.closers, func() error { sink.Close(); return nil })
	}

	hcfg := hapserver.Config{
		Database:     opts.Database,
		KV:           kv,
		TCP:          tcp,
		BLE:          ble,
		MDNS:         mdns,
		Clock:        clock,
		RNG:          rng,
		SetupCode:    setupCode,
		ListenAddr:   cfg.Network.ListenAddr,
		ServiceName:  opts.ServiceName,
		Category:     opts.Category,
		Model:        cfg.Accessory.Model,
		ConfigNumber: 1,
	}

	srv, err := hapserver.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("sample: construct accessory server: %w", err)
	}
	acc.Server = srv

	srv.OnStateChange(func(prev, next hapserver.State) {
		log.Infof("%s: %s -> %s", opts.ServiceName, prev, next)
		if metricsSink != nil {
			metricsSink.RecordStateChange(next.String())
		}
	})

	acc.scheduler = maintenance.New()
	maintenance.RegisterAccessoryJobs(acc.scheduler, srv, kv, clock, opts.EnableBLE)
	acc.scheduler.Start()

	if cfg.Network.ConsoleAddr != "" {
		acc.consoleSrv = console.New(srv)
		go func() {
			log.Infof("%s: operator console listening on %s", opts.ServiceName, cfg.Network.ConsoleAddr)
			if err := http.ListenAndServe(cfg.Network.ConsoleAddr, acc.consoleSrv); err != nil {
				log.Warnf("%s: console listener stopped: %v", opts.ServiceName, err)
			}
		}()
	}

	if cfg.Network.AdminAddr != "" {
		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		remoteapi.NewHandler(srv).SetupRoutes(app)
		acc.adminApp = app
		go func() {
			log.Infof("%s: remote admin API listening on %s", opts.ServiceName, cfg.Network.AdminAddr)
			if err := app.Listen(cfg.Network.AdminAddr); err != nil {
				log.Warnf("%s: admin API listener stopped: %v", opts.ServiceName, err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("sample: start accessory server: %w", err)
	}

	return acc, nil
}

// WaitForSignal blocks until SIGINT/SIGTERM, the same shutdown trigger the
// teacher's long-running cmd/ process expects from its process supervisor.
func WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

// Shutdown stops the accessory server and every ambient surface, in
// reverse bring-up order.
func (a *Accessory) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.adminApp != nil {
		_ = a.adminApp.ShutdownWithContext(ctx)
	}
	a.scheduler.Stop()
	if err := a.Server.Stop(ctx); err != nil {
		log.Warnf("sample: stop accessory server: %v", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warnf("sample: shutdown: %v", err)
		}
	}
}

func openKVStore(kcfg config.KVConfig) (platform.KVStore, func() error, error) {
	switch kcfg.Backend {
	case "", "memory":
		return memory.New(), nil, nil
	case "sqlite":
		st, err := sqlitekv.Open(kcfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sample: open sqlite kv store: %w", err)
		}
		return st, st.Close, nil
	case "redis":
		st, err := rediskv.Open(rediskv.Config{Addr: kcfg.Addr})
		if err != nil {
			return nil, nil, fmt.Errorf("sample: open redis kv store: %w", err)
		}
		return st, st.Close, nil
	case "s3":
		st, err := s3kv.Open(s3kv.Config{Bucket: kcfg.Bucket, Region: kcfg.Region})
		if err != nil {
			return nil, nil, fmt.Errorf("sample: open s3 kv store: %w", err)
		}
		return st, nil, nil
	default:
		return nil, nil, fmt.Errorf("sample: unknown kv backend %q", kcfg.Backend)
	}
}

func configureLogger(lcfg config.LoggerConfig) {
	if level, err := log.ParseLevel(lcfg.Level); err == nil {
		log.SetLevel(level)
	}
	if lcfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{DisableQuote: true, ForceColors: true})
	}
}
