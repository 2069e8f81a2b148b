// rwload hammers one lock identity with concurrent readers and writers and
// verifies the exclusion invariants while doing so: readers may overlap
// each other but never a writer, and writers never overlap anything.
//
// A shared activity counter encodes the check: each reader adds 1 while
// holding, each writer adds 10000. Any observation outside [1,9999] for a
// reader, or other than exactly 10000 for a writer, is a violated
// invariant and aborts the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/f3rrix/GlobalReaderWriterLock/internal/obs"
	"github.com/f3rrix/GlobalReaderWriterLock/pkg/rwlock"
)

const writerWeight = 10000

func main() {
	var (
		name        = flag.String("name", "loadlock", "lock identity")
		readers     = flag.Int("readers", 16, "number of reader workers")
		writers     = flag.Int("writers", 2, "number of writer workers")
		duration    = flag.Duration("duration", 10*time.Second, "test duration")
		hold        = flag.Duration("hold", 2*time.Millisecond, "time spent holding the lock")
		jitter      = flag.Duration("jitter", 2*time.Millisecond, "extra random sleep while holding")
		capacity    = flag.Int("capacity", rwlock.DefaultCapacity, "pool capacity")
		probe       = flag.Duration("probe", 2*time.Millisecond, "writer drain probe interval")
		backendKind = flag.String("backend", "local", "local or sqlite")
		dir         = flag.String("dir", filepath.Join(os.TempDir(), "globalrwlock-load"), "sqlite backend directory")
		addr        = flag.String("metrics", "", "optional /metrics listen address")
	)
	flag.Parse()

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

	var backend rwlock.Backend
	switch *backendKind {
	case "local":
		backend = rwlock.NewLocalBackend()
	case "sqlite":
		b, err := rwlock.NewSQLiteBackend(*dir)
		if err != nil {
			log.Fatalf("backend: %v", err)
		}
		defer b.Close()
		backend = b
	default:
		log.Fatalf("unknown backend %q", *backendKind)
	}

	opts := []rwlock.Option{
		rwlock.WithBackend(backend),
		rwlock.WithCapacity(*capacity),
		rwlock.WithProbeInterval(*probe),
	}
	if metrics != nil {
		opts = append(opts, rwlock.WithMetrics(metrics))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		activity   int32
		readHolds  int64
		writeHolds int64
	)

	holdFor := func() {
		d := *hold
		if *jitter > 0 {
			d += time.Duration(rand.Int63n(int64(*jitter)))
		}
		time.Sleep(d)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < *readers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				s, err := rwlock.ForReading(*name, opts...)
				if err != nil {
					return fmt.Errorf("reader acquire: %w", err)
				}
				n := atomic.AddInt32(&activity, 1)
				if n < 1 || n >= writerWeight {
					return fmt.Errorf("reader overlapped a writer: activity=%d", n)
				}
				holdFor()
				atomic.AddInt32(&activity, -1)
				if err := s.Release(); err != nil {
					return fmt.Errorf("reader release: %w", err)
				}
				atomic.AddInt64(&readHolds, 1)
			}
			return nil
		})
	}

	for i := 0; i < *writers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				s, err := rwlock.ForWriting(*name, opts...)
				if err != nil {
					return fmt.Errorf("writer acquire: %w", err)
				}
				n := atomic.AddInt32(&activity, writerWeight)
				if n != writerWeight {
					return fmt.Errorf("writer was not exclusive: activity=%d", n)
				}
				holdFor()
				atomic.AddInt32(&activity, -writerWeight)
				if err := s.Release(); err != nil {
					return fmt.Errorf("writer release: %w", err)
				}
				atomic.AddInt64(&writeHolds, 1)
			}
			return nil
		})
	}

	start := time.Now()
	err := g.Wait()
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil {
		log.Fatalf("invariant violated: %v", err)
	}

	logger.Info(map[string]interface{}{
		"op":          "load_done",
		"lock":        *name,
		"backend":     *backendKind,
		"readers":     *readers,
		"writers":     *writers,
		"read_holds":  atomic.LoadInt64(&readHolds),
		"write_holds": atomic.LoadInt64(&writeHolds),
		"elapsed_ms":  elapsed.Milliseconds(),
	})
}
