// Command flume runs the automated flow survey daemon: it drives the Velmex
// VXC stage and the FlowTracker2 velocimeter over their serial ports,
// persists measurements to SQLite, and serves the control API and plane
// charts over HTTP.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/flume.report/api"
	"github.com/banshee-data/flume.report/internal/adv"
	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/config"
	"github.com/banshee-data/flume.report/internal/flow"
	"github.com/banshee-data/flume.report/internal/motor"
	"github.com/banshee-data/flume.report/internal/sampler"
	"github.com/banshee-data/flume.report/internal/serialio"
	"github.com/banshee-data/flume.report/internal/store"
	"github.com/banshee-data/flume.report/internal/timeutil"
)

var (
	//go:embed static/*
	staticFiles embed.FS
	devMode     = flag.Bool("dev", false, "Run with simulated hardware")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "survey.db", "Path to the survey database")
	configPath  = flag.String("config", "", "Path to an acquisition config JSON file")
	calibPath   = flag.String("calibration", "calibration.json", "Path to the persisted calibration state")
	stagePath   = flag.String("stage-port", "/dev/ttyUSB0", "Serial port of the VXC stage controller")
	probePath   = flag.String("probe-port", "/dev/ttyUSB1", "Serial port of the FlowTracker2 probe")
)

type stagePort interface {
	sampler.Motor
	Close() error
}

type probePort interface {
	sampler.Sensor
	Close() error
}

// logObserver mirrors engine notifications into the daemon log.
type logObserver struct{}

func (logObserver) StateChanged(from, to sampler.State) {
	log.Printf("engine: %s -> %s", from, to)
}

func (logObserver) RecordCompleted(rec sampler.MeasurementRecord) {
	log.Printf("engine: recorded (%d,%d) Fr=%.2f valid=%d/%d",
		rec.Position.XSteps, rec.Position.YSteps,
		rec.FroudeNumber, rec.ValidSamples, rec.TotalSamples)
}

func (logObserver) StatusMessage(msg string) {
	log.Printf("engine: %s", msg)
}

// loadCalibration restores persisted calibration state if the file exists.
func loadCalibration(m *calibration.Manager, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap calibration.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	return m.Restore(snap)
}

func saveCalibration(m *calibration.Manager, path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func main() {
	flag.Parse()

	// Schema management subcommand; the daemon itself migrates on boot, this
	// exists for operators rolling back or checking a copied database.
	if flag.Arg(0) == "migrate" {
		if err := store.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyAcquisitionConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAcquisitionConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	var stage stagePort
	var probe probePort
	if *devMode {
		stage = motor.NewMock(20000)
		probe = adv.NewMock(time.Now().UnixNano())
		log.Print("dev mode: simulated stage and probe")
	} else {
		var err error
		stage, err = motor.Open(*stagePath, serialio.PortOptions{}, motor.Config{})
		if err != nil {
			log.Fatalf("failed to open stage controller: %v", err)
		}
		probe, err = adv.Open(*probePath, serialio.PortOptions{}, adv.Config{})
		if err != nil {
			log.Fatalf("failed to open velocity probe: %v", err)
		}
	}
	defer stage.Close()
	defer probe.Close()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(store.Migrations()); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	calib := calibration.NewManager(cfg.GetDuplicateToleranceFt())
	if err := loadCalibration(calib, *calibPath); err != nil {
		log.Fatalf("failed to restore calibration from %s: %v", *calibPath, err)
	}

	clock := timeutil.RealClock{}
	synchro := sampler.NewSynchronizer(stage, probe, clock, sampler.SynchronizerConfig{
		PositionTolerance: cfg.GetPositionTolerance(),
		PollInterval:      cfg.GetMotionPollInterval(),
		SampleInterval:    time.Duration(float64(time.Second) / cfg.GetSampleRateHz()),
		Gate: sampler.QualityGate{
			MinSNR:         cfg.GetMinSNR(),
			MinCorrelation: cfg.GetMinCorrelation(),
		},
	})
	decider := flow.NewDurationDecider(
		flow.DurationPolicy(cfg.GetDurationPolicy()),
		cfg.GetFroudeThreshold(), cfg.GetDurationGain(),
		cfg.GetBaseDuration(), cfg.GetMaxDuration())
	engine := sampler.New(synchro, stage, probe, db.NewPlaneWriter(), decider, clock, sampler.Options{
		MinSamples:       cfg.GetMinSamples(),
		MaxBurstDuration: cfg.GetMaxDuration(),
		MotionTimeout:    cfg.GetMotionTimeout(),
		RetryLimit:       cfg.GetRetryLimit(),
	})
	obsID := engine.Attach(logObserver{})
	defer engine.Detach(obsID)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		if err := db.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		apiMux := api.NewServer(engine, stage, calib, db).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		// read static files from the embedded filesystem in production or from
		// the local ./static in dev for easier iteration without restarting the
		// server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticHandler = http.FileServer(http.FS(staticFiles))
		}
		mux.Handle("/", staticHandler)

		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("got request %q", r.URL.Path)
			mux.ServeHTTP(w, r)
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: h,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Shutdown goroutine: on signal, abort any in-flight sequence so the
	// stage stops and the open plane is finalized before the process exits.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		if st := engine.State(); st != sampler.StateIdle {
			log.Printf("aborting in-flight sequence (state %s)", st)
			engine.Abort()
			select {
			case <-engine.Done():
			case <-time.After(10 * time.Second):
				log.Print("timed out waiting for sequence worker to finish")
			}
		}

		if err := saveCalibration(calib, *calibPath); err != nil {
			log.Printf("failed to persist calibration: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
