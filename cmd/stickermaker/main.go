package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	stickermaker "github.com/menta2k/sticker-maker"
	"github.com/menta2k/sticker-maker/internal/config"
	"github.com/menta2k/sticker-maker/internal/logger"
	"github.com/menta2k/sticker-maker/internal/transport"
	"github.com/menta2k/sticker-maker/internal/utils"
	"github.com/menta2k/sticker-maker/pkg/geometry"
	"github.com/menta2k/sticker-maker/pkg/importer"
	"github.com/menta2k/sticker-maker/pkg/pipeline"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

func main() {
	var configPath, in, outDir, backend, url, model string
	var orientation int
	var doImport, scheduled, serve, debug bool
	var schedule string

	flag.StringVar(&configPath, "config", "", "JSON config file (defaults are used when empty)")
	flag.StringVar(&in, "in", "", "input image path or URL for single-photo mode")
	flag.StringVar(&outDir, "out", "", "output directory (overrides output.output_dir)")
	flag.StringVar(&backend, "backend", "", "detector backend: ollama|llamacpp|onnx|saliency")
	flag.StringVar(&url, "url", "", "detector server URL")
	flag.StringVar(&model, "model", "", "vision model name")
	flag.IntVar(&orientation, "orientation", 1, "EXIF orientation (1-8) of -in when the file carries none")
	flag.BoolVar(&doImport, "import", false, "import every photo of the configured source")
	flag.StringVar(&schedule, "schedule", "", "cron expression; run imports on this schedule (implies -scheduled)")
	flag.BoolVar(&scheduled, "scheduled", false, "run imports on the configured schedule (config schedule / IMPORT_SCHEDULE)")
	flag.BoolVar(&serve, "serve", false, "serve the HTTP API")
	flag.BoolVar(&debug, "debug", false, "write a debug overlay next to the sticker")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if backend != "" {
		cfg.Detector.Backend = backend
	}
	if url != "" {
		cfg.Detector.URL = url
	}
	if model != "" {
		cfg.Detector.Model = model
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if schedule != "" {
		cfg.Schedule = schedule
	}

	logger.SetLevel(cfg.LogLevel)
	logrus.SetFormatter(logger.Logger.Formatter)
	logrus.SetLevel(logger.Logger.GetLevel())

	sm, err := stickermaker.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize sticker maker: %v", err)
	}
	defer sm.Close()
	sm.WithLogger(logger.Logger)

	switch selectMode(serve, scheduled || schedule != "", doImport, in) {
	case modeServe:
		err = runServer(sm, cfg)
	case modeScheduled:
		err = runScheduled(sm, cfg)
	case modeImport:
		err = runImport(context.Background(), sm, cfg)
	case modeSingle:
		err = runSingle(context.Background(), sm, cfg, in, types.Orientation(orientation), debug)
	default:
		log.Fatalf("usage: %s [-config cfg.json] (-in photo.jpg|URL [-debug] | -import | -scheduled | -schedule '@daily' | -serve)", filepath.Base(os.Args[0]))
	}
	if err != nil {
		log.Fatal(err)
	}
}

type mode int

const (
	modeUsage mode = iota
	modeServe
	modeScheduled
	modeImport
	modeSingle
)

// selectMode picks what the process does. Scheduled imports only start on
// an explicit request; a schedule in the config alone does not start them.
func selectMode(serve, scheduled, doImport bool, in string) mode {
	switch {
	case serve:
		return modeServe
	case scheduled:
		return modeScheduled
	case doImport:
		return modeImport
	case in != "":
		return modeSingle
	default:
		return modeUsage
	}
}

func runSingle(ctx context.Context, sm *stickermaker.StickerMaker, cfg *config.Config, in string, orientation types.Orientation, debug bool) error {
	if !orientation.Valid() {
		return fmt.Errorf("invalid orientation %d", orientation)
	}
	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		return err
	}

	raw, err := sm.LoadImage(ctx, in)
	if err != nil {
		return err
	}
	raw.Orientation = orientation

	record, err := sm.Process(ctx, raw)
	if err != nil {
		if kind, ok := pipeline.KindOf(err); ok {
			return fmt.Errorf("no sticker for %s (%s): %w", in, kind, err)
		}
		return err
	}

	stickerPath := filepath.Join(cfg.Output.OutputDir, utils.SanitizeFilename(record.ID)+"_sticker.png")
	if err := os.WriteFile(stickerPath, record.ImageBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write sticker: %w", err)
	}
	log.Printf("wrote %s (%s)", stickerPath, utils.FormatFileSize(int64(len(record.ImageBytes))))

	for i, d := range record.Detections {
		log.Printf("detection %d: %q conf=%.2f box=%.3fx%.3f@%.3f,%.3f", i, d.Label, d.Confidence, d.Box.W, d.Box.H, d.Box.X, d.Box.Y)
	}

	if debug {
		if err := writeDebugOverlay(cfg, raw, record); err != nil {
			log.Printf("debug overlay failed: %v", err)
		}
	}

	js, _ := json.MarshalIndent(record, "", "  ")
	return os.WriteFile(filepath.Join(cfg.Output.OutputDir, utils.SanitizeFilename(record.ID)+"_record.json"), js, 0o644)
}

// writeDebugOverlay draws detections and the crop on the upright photo.
func writeDebugOverlay(cfg *config.Config, raw types.RawImage, record *types.StickerRecord) error {
	upright := processing.Orient(raw.Image, raw.Orientation)
	flip, err := geometry.ParseFlipFormula(cfg.Pipeline.FlipFormula)
	if err != nil {
		return err
	}
	mapper := geometry.NewMapper(geometry.Options{Padding: cfg.Pipeline.CropPadding, Flip: flip})
	crop, err := mapper.MapContourToCropRegion(record.Contour.Box, types.SizeOf(upright))
	if err != nil {
		crop = types.CropRegion{}
	}

	processor := processing.NewProcessor()
	overlay := processor.CreateDebugOverlay(upright, record.Detections, crop)
	path := filepath.Join(cfg.Output.OutputDir, utils.SanitizeFilename(record.ID)+"_debug.png")
	if err := processor.SaveImage(overlay, path, "png", 0, false); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}

func runImport(ctx context.Context, sm *stickermaker.StickerMaker, cfg *config.Config) error {
	src, err := stickermaker.Source(cfg)
	if err != nil {
		return err
	}
	st, err := stickermaker.Store(cfg)
	if err != nil {
		return err
	}

	sum, err := sm.Import(ctx, src, st, stickermaker.ImporterOptions(cfg.Importer), func(p importer.Progress) {
		logger.WithFields(logrus.Fields{
			"source":    p.SourceID,
			"outcome":   string(p.Outcome),
			"kind":      string(p.Kind),
			"completed": p.Completed,
			"total":     p.Total,
		}).Debug("photo done")
	})
	kinds := make([]string, 0, len(sum.FailuresByKind))
	for k, n := range sum.FailuresByKind {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	log.Printf("import %s: %d/%d stickers, %d skipped, %d failed [%s]", sum.RunID, sum.Produced, sum.Total, sum.Skipped, sum.Failed, strings.Join(kinds, " "))
	return err
}

func runScheduled(sm *stickermaker.StickerMaker, cfg *config.Config) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(cfg.Schedule, func() {
		if err := runImport(context.Background(), sm, cfg); err != nil {
			logger.WithError(err).Error("scheduled import failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	c.Start()
	logger.WithField("schedule", cfg.Schedule).Info("Import scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("Stopping scheduler, waiting for running import...")
	<-c.Stop().Done()
	return nil
}

func runServer(sm *stickermaker.StickerMaker, cfg *config.Config) error {
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      transport.NewHandler(sm, cfg.Server),
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.Server.Address(),
			"timeout": cfg.Server.RequestTimeout,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Logger.Info("Server exited")
	return nil
}
