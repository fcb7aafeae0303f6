package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"anpr-edge/internal/camera"
	"anpr-edge/internal/config"
	"anpr-edge/internal/db"
	"anpr-edge/internal/emitter"
	apphttp "anpr-edge/internal/http"
	"anpr-edge/internal/logger"
	"anpr-edge/internal/ocr"
	"anpr-edge/internal/pipeline"
	"anpr-edge/internal/repository"
	"anpr-edge/internal/service"
	"anpr-edge/internal/snapshot"
	"anpr-edge/internal/vision/cv"
	"anpr-edge/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anpr-edge: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anpr-edge: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	log = log.With().Str("node_id", cfg.Node.ID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, stop, cfg, log)
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, log zerolog.Logger) {
	log.Info().Str("location", cfg.Node.Location).Str("database", cfg.Database.Driver).Msg("starting anpr edge node")

	registry := repository.NewRegistry(func() (*gorm.DB, error) {
		return db.Open(cfg.Database, log)
	}, log)
	defer registry.Close()

	snapshots, err := snapshot.NewStore(cfg.Snapshots.Dir)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot storage disabled")
		snapshots, _ = snapshot.NewStore("")
	}

	hub := apphttp.NewHub(cfg.HTTP.CORSOrigins, log)
	go hub.Run(ctx)

	notifiers := []service.Notifier{hub}
	if cfg.MQTT.Enabled() {
		mqttEmitter := emitter.NewMQTTEmitter(cfg.MQTT, cfg.Node.ID, log)
		if err := mqttEmitter.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("mqtt broker not reachable yet, publishing will resume once connected")
		}
		defer mqttEmitter.Disconnect()
		notifiers = append(notifiers, mqttEmitter)
	}

	source := camera.NewSource(cv.OpenDevice, camera.Settings{
		Source: cfg.Camera.Source,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	}, log)
	if err := source.Open(); err == nil {
		if err := source.Start(ctx); err != nil {
			log.Error().Err(err).Msg("failed to start camera capture")
		}
	}
	defer source.Close()

	var recognizer worker.Recognizer
	detector, detErr := cv.NewYOLODetector(cfg.Detection.ModelPath, cfg.Detection.InputSize, cfg.Detection.ConfidenceThreshold)
	if detErr != nil {
		log.Error().Err(detErr).Msg("plate detector unavailable, recognition disabled")
	} else {
		defer detector.Close()
	}
	reader, ocrErr := ocr.NewTesseractReader(cfg.OCR.Language, cfg.OCR.Whitelist)
	if ocrErr != nil {
		log.Error().Err(ocrErr).Msg("ocr unavailable, recognition disabled")
	} else {
		defer reader.Close()
	}
	if detErr == nil && ocrErr == nil {
		recognizer = pipeline.New(detector, reader, cv.NewPreprocessor(cfg.OCR.PreprocessedHeightPx), pipeline.Options{
			DetectionThreshold: cfg.Detection.ConfidenceThreshold,
			OCRThreshold:       cfg.OCR.ConfidenceThreshold,
			CropPadding:        cfg.Detection.CropPaddingPx,
		}, log)
	}

	detection := worker.New(source, recognizer, cfg.Detection.LoopInterval, log)
	results, unsubscribe := detection.Subscribe()
	defer unsubscribe()

	gate := service.NewGateService(registry, snapshots, cfg.Node.ID, log, notifiers...)
	go gate.Run(ctx, results, detection, cfg.Detection.AutoResume)

	if err := detection.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start detection worker")
	}
	defer detection.Stop()

	gin.SetMode(gin.ReleaseMode)
	auth := apphttp.NewAuth(cfg.HTTP, log)
	if !auth.Enabled() {
		log.Warn().Msg("http.jwt_secret not set, operator endpoints are unauthenticated")
	}
	handler := apphttp.NewHandler(
		service.NewRegistryService(registry, log),
		gate,
		detection,
		source,
		recognizer,
		hub,
		log,
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apphttp.NewRouter(handler, auth, cfg.HTTP, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}
