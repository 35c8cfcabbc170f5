// Package main runs the rep0st service: the sync jobs, the feature
// worker and the public search API in one process. The configuration
// decides which parts are active.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/feature"
	"github.com/ReneHollander/rep0st/engine/ingest"
	"github.com/ReneHollander/rep0st/engine/media"
	"github.com/ReneHollander/rep0st/engine/pr0gramm"
	"github.com/ReneHollander/rep0st/engine/schedule"
	"github.com/ReneHollander/rep0st/engine/search"
	"github.com/ReneHollander/rep0st/engine/store"
	"github.com/ReneHollander/rep0st/engine/web"
	"github.com/ReneHollander/rep0st/pkg/config"
	"github.com/ReneHollander/rep0st/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	logger := rootLogger(cfg.Environment)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("rep0st exited with error", "err", err)
		os.Exit(1)
	}
}

func rootLogger(environment string) *slog.Logger {
	if environment == config.EnvProduction {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	reg := metrics.New()

	if err := store.Migrate(ctx, cfg.Rep0st.Database.URI, logger); err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Rep0st.Database.URI, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client := pr0gramm.NewClient(pr0gramm.Config{
		BaseURLAPI:  cfg.Pr0gramm.API.BaseURL.API,
		BaseURLImg:  cfg.Pr0gramm.API.BaseURL.Img,
		BaseURLVid:  cfg.Pr0gramm.API.BaseURL.Vid,
		BaseURLFull: cfg.Pr0gramm.API.BaseURL.Full,
		User:        cfg.Pr0gramm.API.User,
		Password:    cfg.Pr0gramm.API.Password,
		LimitIDTo:   cfg.Pr0gramm.API.LimitIDTo,
	}, logger)
	defer client.CloseIdleConnections()

	// Nil when no media path is configured; config validation guarantees
	// a path whenever a job that downloads media is scheduled.
	var mediaStore *media.Store
	if cfg.Rep0st.Media.Path != "" {
		mediaStore = media.NewStore(cfg.Rep0st.Media.Path, client, logger)
	}

	sched := schedule.New(logger)
	job := cfg.Rep0st.Job

	ctrl := ingest.NewController(ingest.Deps{
		Feed:    client,
		Media:   mediaStore,
		Posts:   st.Posts,
		Tags:    st.Tags,
		Tx:      st,
		Log:     logger,
		Metrics: reg,
	})
	sched.Add("update_posts", job.UpdatePostsSchedule, func(ctx context.Context) error {
		return ctrl.UpdatePosts(ctx, 0)
	})
	sched.Add("update_all_posts", job.UpdateAllPostsSchedule, func(ctx context.Context) error {
		return ctrl.UpdateAllPosts(ctx, 0, 0)
	})
	sched.Add("update_tags", job.UpdateTagsSchedule, ctrl.UpdateTags)

	worker := feature.NewWorker(feature.Deps{
		Posts:   st.Posts,
		Vectors: st.Vectors,
		Tx:      st,
		Media:   mediaStore,
		Log:     logger,
		Metrics: reg,
	})
	featureType := domain.PostType(job.UpdateFeaturesPostType)
	sched.Add("update_features", job.UpdateFeaturesSchedule, func(ctx context.Context) error {
		return worker.Run(ctx, featureType)
	})

	var webSrv *http.Server
	if addr := cfg.HTTPAddr(); addr != "" {
		searcher := search.New(st.Posts, search.DefaultOptions(), logger, reg)
		handler := web.NewHandler(web.Deps{
			Search: searcher,
			Posts:  st.Posts,
			Log:    logger,
		}, web.Options{
			EnableExactSearch: cfg.Rep0st.Web.EnableExactSearch,
			CommitSHA:         commitSHA(),
		})

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind web server: %w", err)
		}
		webSrv = &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("web server listening", "addr", addr)
			if err := webSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("web server failed", "err", err)
			}
		}()
	}

	if addr := cfg.MetricsAddr(); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind metrics endpoint: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		metricsSrv := &http.Server{Addr: addr, Handler: mux}
		defer metricsSrv.Close()
		go func() {
			logger.Info("metrics listening", "addr", addr)
			if err := metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	// Blocks until SIGINT/SIGTERM/SIGQUIT. Scheduler first, web server
	// second, pool and client last via the defers.
	err = sched.Run(ctx)

	if webSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := webSrv.Shutdown(shutCtx); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// commitSHA is the build info surfaced on GET /api. Deployments inject it
// through the environment.
func commitSHA() string {
	if sha := os.Getenv("COMMIT_SHA"); sha != "" {
		return sha
	}
	return "dev"
}
