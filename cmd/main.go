package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dicomview/internal/blob"
	"dicomview/internal/cache"
	"dicomview/internal/config"
	"dicomview/internal/events"
	"dicomview/internal/handlers"
	"dicomview/internal/index"
	"dicomview/internal/logging"
	"dicomview/internal/middleware"
	"dicomview/internal/orthanc"
	"dicomview/internal/scheduler"
	"dicomview/internal/viewer"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// webViewerVersion stamps the cache: a change clears it on startup.
const webViewerVersion = "2.0.0"

// maxPrefetchSize bounds the pending prefetch queue of each bundle.
const maxPrefetchSize = 100

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			// No .env file, plain environment variables
		}
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	log.Info("Initializing the Web viewer")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Unable to read the configuration of the Web viewer plugin", zap.Error(err))
	}

	log.Info("Web viewer decoding threads configured",
		zap.Int("threads", cfg.DecodingThreads))
	log.Info("Storing the cache of the Web viewer",
		zap.String("path", cfg.CachePath))

	client := orthanc.NewClient(cfg.OrthancURL, cfg.OrthancUsername, cfg.OrthancPassword)

	sched, cleanup, err := openCache(cfg, client)
	if err != nil {
		log.Fatal("Cannot open the cache of the Web viewer", zap.Error(err))
	}
	defer cleanup()

	hub := events.NewHub()
	go hub.Run()
	defer hub.Stop()

	watcher := events.NewChangeWatcher(client, sched, hub, time.Second)
	ctx, cancelWatcher := context.WithCancel(context.Background())
	watcher.Start(ctx)
	defer cancelWatcher()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewIPRateLimiter(100, 200).Middleware())

	handler := handlers.NewHandler(sched, client, hub)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Web viewer server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Cannot start the Web viewer server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down the Web viewer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Forced shutdown of the Web viewer server", zap.Error(err))
	}
}

// openCache builds the caching subsystem: blob storage and sqlite index
// under the cache path, the cache manager on top, and the scheduler
// with one factory per bundle. The returned cleanup joins the prefetch
// workers and closes the index.
func openCache(cfg *config.Config, client *orthanc.Client) (*scheduler.Scheduler, func(), error) {
	log := logging.L()

	storage, err := blob.NewStore(filepath.Join(cfg.CachePath, "blobs"))
	if err != nil {
		return nil, nil, err
	}

	db, err := index.Open(filepath.Join(cfg.CachePath, "cache.db"))
	if err != nil {
		return nil, nil, err
	}

	manager, err := cache.Open(db, storage)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	sched := scheduler.New(manager, maxPrefetchSize)

	if err := checkVersions(sched, client); err != nil {
		db.Close()
		return nil, nil, err
	}

	sched.RegisterPolicy(viewer.NewPrefetchPolicy(cfg.PrefetchDepth))

	if err := sched.Register(viewer.BundleSeriesInformation,
		viewer.NewSeriesInformationAdapter(client), 1); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := sched.Register(viewer.BundleInstanceInformation,
		viewer.NewInstanceInformationAdapter(client), 1); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := sched.Register(viewer.BundleDecodedImage,
		viewer.NewDecodedImageAdapter(client), cfg.DecodingThreads); err != nil {
		db.Close()
		return nil, nil, err
	}

	// Keep info about 1000 series and 10000 instances; bound the
	// decoded images by size only.
	if err := sched.SetQuota(viewer.BundleSeriesInformation, 1000, 0); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := sched.SetQuota(viewer.BundleInstanceInformation, 10000, 0); err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Info("Web viewer cache size configured", zap.Int("megabytes", cfg.CacheSizeMB))
	if err := sched.SetQuota(viewer.BundleDecodedImage, 0, cfg.CacheSizeBytes()); err != nil {
		db.Close()
		return nil, nil, err
	}

	cleanup := func() {
		sched.Stop()
		if err := db.Close(); err != nil {
			log.Error("Cannot close the cache index", zap.Error(err))
		}
	}

	return sched, cleanup, nil
}

// checkVersions clears the cache when the store or the plugin version
// changed since the cache was populated.
func checkVersions(sched *scheduler.Scheduler, client *orthanc.Client) error {
	log := logging.L()

	orthancVersion := "unknown"
	var system struct {
		Version string `json:"Version"`
	}
	if ok, err := client.GetJSON("/system", &system); err == nil && ok {
		orthancVersion = system.Version
	} else if err != nil {
		log.Warn("Cannot read the version of the DICOM store", zap.Error(err))
	}

	clear := false

	if previous, ok, err := sched.LookupProperty(viewer.PropertyOrthancVersion); err != nil {
		return err
	} else if !ok || previous != orthancVersion {
		log.Warn("The version of the DICOM store has changed, the cache of the Web viewer will be cleared",
			zap.String("from", previous), zap.String("to", orthancVersion))
		clear = true
	}

	if previous, ok, err := sched.LookupProperty(viewer.PropertyWebViewerVersion); err != nil {
		return err
	} else if !ok || previous != webViewerVersion {
		log.Warn("The version of the Web viewer plugin has changed, the cache will be cleared",
			zap.String("from", previous), zap.String("to", webViewerVersion))
		clear = true
	}

	if clear {
		log.Warn("Clearing the cache of the Web viewer")
		if err := sched.Clear(); err != nil {
			return err
		}
		if err := sched.SetProperty(viewer.PropertyOrthancVersion, orthancVersion); err != nil {
			return err
		}
		if err := sched.SetProperty(viewer.PropertyWebViewerVersion, webViewerVersion); err != nil {
			return err
		}
	} else {
		log.Info("No change in the versions, no need to clear the cache of the Web viewer")
	}

	return nil
}
