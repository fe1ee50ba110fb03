// Command epub-ocr-server runs the PDF-to-EPUB OCR engine as an HTTP
// service: job submission, status polling, SSE progress events, result
// download, and retry, backed by the Pipeline Orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bookscan/epub-ocr/internal/cleanup"
	"github.com/bookscan/epub-ocr/internal/config"
	"github.com/bookscan/epub-ocr/internal/events"
	"github.com/bookscan/epub-ocr/internal/httpapi"
	"github.com/bookscan/epub-ocr/internal/jobs"
	"github.com/bookscan/epub-ocr/internal/metrics"
	"github.com/bookscan/epub-ocr/internal/ocr"
	"github.com/bookscan/epub-ocr/internal/pipeline"
	"github.com/bookscan/epub-ocr/internal/render"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.Default()
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.NewEntry(logrus.StandardLogger())
	log.WithField("config", cfg).Info("epub-ocr-server starting")

	jobReg := jobs.NewRegistry(cfg.Storage.DataDir, log.WithField("component", "jobs"))
	if err := jobReg.LoadFromDisk(); err != nil {
		log.WithError(err).Fatal("failed to load jobs from disk")
	}

	evReg := events.NewRegistry(cfg.Storage.RingBufferSize)

	ocrClient := ocr.NewHTTPClient(
		cfg.OCR.BaseURL, cfg.OCR.Model, cfg.OCR.Timeout, cfg.OCR.Retries, cfg.OCR.CacheSize,
		log.WithField("component", "ocr"),
	)

	pl := pipeline.New(jobReg, evReg, render.FitzRasterizer{}, ocrClient, pipeline.Options{
		Workers:         cfg.Pipeline.Workers,
		QueueCapacity:   cfg.Pipeline.QueueCapacity,
		PagesPerChapter: cfg.Pipeline.PagesPerChapter,
		Render: render.Options{
			DPI:          cfg.Render.DPI,
			JPEGQuality:  cfg.Render.JPEGQuality,
			MaxDimension: cfg.Render.MaxDimension,
		},
		DefaultPrompt: cfg.EffectiveOCRPrompt(),
	}, log.WithField("component", "pipeline"))

	api := httpapi.NewServer(jobReg, evReg, pl, cfg, log.WithField("component", "httpapi"))

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupLoop := cleanup.NewLoop(
		jobReg, evReg, cfg.Storage.JobTTL, cfg.Storage.PDFTTL, cfg.Storage.CleanupInterval,
		log.WithField("component", "cleanup"),
	)
	go cleanupLoop.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig).Info("caught signal, shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
}
