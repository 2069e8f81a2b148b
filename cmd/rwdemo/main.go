// rwdemo acquires a machine-wide reader-writer lock, holds it for a while
// and releases it. Run several copies concurrently (any mix of -mode reader
// and -mode writer, as any user) to watch the exclusion protocol work
// across processes.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/f3rrix/GlobalReaderWriterLock/internal/obs"
	"github.com/f3rrix/GlobalReaderWriterLock/pkg/rwlock"
)

func main() {
	var (
		name     = flag.String("name", getenv("RWDEMO_NAME", "demo-lock"), "lock identity shared by all participants")
		mode     = flag.String("mode", "reader", "reader or writer")
		hold     = flag.Duration("hold", 3*time.Second, "how long to hold the lock")
		capacity = flag.Int("capacity", rwlock.DefaultCapacity, "pool capacity (all participants must agree)")
		dir      = flag.String("dir", getenv("RWDEMO_DIR", filepath.Join(os.TempDir(), "globalrwlock")), "shared lock directory")
		addr     = flag.String("metrics", "", "optional /metrics listen address, e.g. :9090")
		janitor  = flag.Bool("janitor", false, "run the dead-process janitor alongside")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := obs.NewLogger()
	var metrics *obs.Metrics
	if *addr != "" {
		metrics = obs.NewMetrics()
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*addr, nil); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	backend, err := rwlock.NewSQLiteBackend(*dir)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}
	defer backend.Close()

	opts := []rwlock.Option{
		rwlock.WithBackend(backend),
		rwlock.WithCapacity(*capacity),
		rwlock.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, rwlock.WithMetrics(metrics))
	}

	if *janitor {
		var jm rwlock.JanitorMetrics
		if metrics != nil {
			jm = metrics
		}
		j := rwlock.NewJanitor(backend, 500*time.Millisecond, logger, jm)
		go j.Run(ctx)
	}

	logger.Info(map[string]interface{}{
		"op": "demo_start", "lock": *name, "mode": *mode, "pid": os.Getpid(),
	})

	var session *rwlock.Session
	switch *mode {
	case "reader":
		session, err = rwlock.ForReading(*name, opts...)
	case "writer":
		session, err = rwlock.ForWriting(*name, opts...)
	default:
		log.Fatalf("unknown mode %q (want reader or writer)", *mode)
	}
	if err != nil {
		log.Fatalf("acquire %s: %v", *mode, err)
	}

	logger.Info(map[string]interface{}{
		"op": "demo_holding", "lock": *name, "mode": *mode,
		"abandoned_takeover": session.Abandoned(),
	})

	select {
	case <-time.After(*hold):
	case <-ctx.Done():
		logger.Info(map[string]interface{}{"op": "demo_interrupted", "lock": *name})
	}

	if err := session.Release(); err != nil {
		log.Fatalf("release: %v", err)
	}
	logger.Info(map[string]interface{}{"op": "demo_released", "lock": *name, "mode": *mode})
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
