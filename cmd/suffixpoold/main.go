// Command suffixpoold runs the suffix-pool core: the HTTP assignment API
// plus the replenishment and recovery background loops (spec §2).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kylink/suffixpool/internal/api"
	"github.com/kylink/suffixpool/internal/assignment"
	"github.com/kylink/suffixpool/internal/buildinfo"
	"github.com/kylink/suffixpool/internal/config"
	"github.com/kylink/suffixpool/internal/geoip"
	"github.com/kylink/suffixpool/internal/netutil"
	"github.com/kylink/suffixpool/internal/outbound"
	"github.com/kylink/suffixpool/internal/producer"
	"github.com/kylink/suffixpool/internal/proxysel"
	"github.com/kylink/suffixpool/internal/ratelimit"
	"github.com/kylink/suffixpool/internal/recovery"
	"github.com/kylink/suffixpool/internal/replenish"
	"github.com/kylink/suffixpool/internal/scanloop"
	"github.com/kylink/suffixpool/internal/state"
)

func main() {
	log.Printf("suffixpoold %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}

	if config.IsWeakToken(envCfg.CronSecret) {
		log.Printf("[config] WARNING: SUFFIXPOOL_CRON_SECRET is weak; this is only advisory, boot continues")
	}

	persist, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir, envCfg.CacheDir)
	if err != nil {
		fatalf("persistence bootstrap: %v", err)
	}
	defer dbCloser.Close()
	log.Println("[state] persistence bootstrap complete")

	if err := config.LoadSeedFile(envCfg.SeedFile, persist.Repo, time.Now); err != nil {
		fatalf("load seed file: %v", err)
	} else if envCfg.SeedFile != "" {
		log.Printf("[config] applied seed file %s", envCfg.SeedFile)
	}

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	loaded, _, err := config.LoadRuntimeConfig(persist.Repo)
	if err != nil {
		fatalf("load runtime config: %v", err)
	}
	runtimeCfg.Store(loaded)
	snapshot := func() *config.RuntimeConfig { return config.Snapshot(runtimeCfg) }

	// --- GeoIP (country cross-check for probed exit IPs, SPEC_FULL §4) ---
	direct := netutil.NewDirectDownloader(
		func() time.Duration { return 15 * time.Second },
		func() string { return "suffixpool-geoip/1.0" },
	)
	geoSvc := geoip.NewService(geoip.ServiceConfig{
		CacheDir:       envCfg.CacheDir,
		UpdateSchedule: envCfg.GeoIPUpdateSchedule,
		OpenDB:         geoip.MMDBOpen,
		Downloader:     direct,
	})
	if err := geoSvc.Start(); err != nil {
		log.Printf("[geoip] start: %v (country cross-check degrades to echo-service-reported country only)", err)
	}

	// --- Outbound transport pool + proxy selector (spec §4.B) ---
	transports := outbound.NewTransportPool()
	ipUsageStore := proxysel.NewIPUsageStore()
	auditStore := state.NewAuditLogStore()

	selector := proxysel.New(proxysel.Config{
		Proxies: persist.Repo,
		IPUsage: proxysel.CombinedIPUsageReader{
			Persisted: persist.CacheRepo,
			Pending:   ipUsageStore,
		},
		Transports: transports,
		GeoLookup:  geoSvc.Lookup,
		ProbeTimeout: func() time.Duration {
			return snapshot().IPProbeTimeout.Std()
		},
	})

	// --- Suffix producer (spec §4.C) ---
	prod := producer.New(producer.Config{
		Selector: selector,
		Pool:     persist.Repo,
		IPUsage:  ipUsageStore,
		Audit:    auditStore,
		Dirty:    persist.CacheEngine,
		RedirectStepTimeout: func() time.Duration {
			return snapshot().RedirectStepTimeout.Std()
		},
		ProduceOneTimeout: func() time.Duration {
			return snapshot().ProduceOneTimeout.Std()
		},
		MockFallbackEnabled: func() bool {
			return snapshot().MockFallbackEnabled
		},
	})

	// --- Replenishment loop (spec §4.D) ---
	replenishLoop := replenish.New(replenish.Config{
		Repo:     persist.Repo,
		Producer: prod,
		BatchSize: func() int {
			return snapshot().ProduceBatchSize
		},
		LowWatermark: func() int {
			return snapshot().LowWatermark
		},
		StockConcurrency: func() int {
			return snapshot().StockConcurrency
		},
		CampaignConcurrency: func() int {
			return snapshot().CampaignConcurrency
		},
		Schedule: envCfg.ReplenishSchedule,
	})
	replenishLoop.Start()

	// --- Assignment engine (spec §4.E) ---
	engine := assignment.New(assignment.Config{
		Repo:      persist.Repo,
		Replenish: replenishLoop.TriggerAsync,
	})

	// --- Recovery & alerts (spec §4.F) ---
	alertSink := recovery.NewSink(persist.Repo, nil)
	recoveryLoop := recovery.New(recovery.Config{
		Repo:   persist.Repo,
		Alerts: alertSink,
		LeaseTTLMinutes: func() int {
			return snapshot().LeaseTTLMinutes
		},
		StockAlertWarningMinutes: func() int {
			return snapshot().StockAlertWarningMinutes
		},
		StockAlertErrorMinutes: func() int {
			return snapshot().StockAlertErrorMinutes
		},
		FailureRateAlertPercent: func() int {
			return snapshot().FailureRateAlertPercent
		},
		Schedule: envCfg.RecoverySchedule,
	})
	recoveryLoop.Start()

	// --- Cache flush worker (best-effort tables: proxy_ip_usage, audit_log) ---
	flushWorker := state.NewCacheFlushWorker(
		persist.CacheEngine,
		state.CacheReaders{
			ReadIPUsage: ipUsageStore.Get,
			ReadAudit:   auditStore.Get,
		},
		func() int { return snapshot().CacheFlushDirtyThreshold },
		func() time.Duration { return snapshot().CacheFlushInterval.Std() },
		5*time.Second,
	)
	flushWorker.Start()

	// --- IP-usage purge loop: drops in-memory usage records past the 24h
	// relevance window (spec §3); the cache.db side is purged on the same
	// cadence via CacheRepo.PurgeIPUsageOlderThan. Jittered like the
	// teacher's other maintenance sweeps so many tenants' purges don't
	// collide on the wall clock.
	purgeStopCh := make(chan struct{})
	go scanloop.Run(purgeStopCh, 10*time.Minute, 2*time.Minute, func() {
		cutoff := time.Now().Add(-24 * time.Hour)
		n := ipUsageStore.PurgeOlderThan(cutoff)
		if affected, err := persist.CacheRepo.PurgeIPUsageOlderThan(cutoff.UnixNano()); err != nil {
			log.Printf("[state] purge persisted ip usage: %v", err)
		} else if affected > 0 || n > 0 {
			log.Printf("[state] purged ip usage older than 24h: pending=%d persisted=%d", n, affected)
		}
	})

	// --- Rate limiter + HTTP API (spec §6) ---
	limiter := ratelimit.New(ratelimit.Config{
		GenericPerMinute: func() int { return snapshot().RateLimitGenericPerMinute },
		AdminPerMinute:   func() int { return snapshot().RateLimitAdminPerMinute },
		BatchPerMinute:   func() int { return snapshot().RateLimitBatchPerMinute },
	})

	srv := api.NewServer(envCfg.APIPort, api.Deps{
		Repo:            persist.Repo,
		Engine:          engine,
		Replenish:       replenishLoop,
		Recovery:        recoveryLoop,
		CronSecret:      envCfg.CronSecret,
		APIMaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
		RateLimiter:     limiter,
	})

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[api] suffixpoold listening on :%d", envCfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- err:
			default:
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down...", sig)
	case err := <-serverErrCh:
		runtimeErr = err
		log.Printf("api server error (%v), shutting down...", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown error: %v", err)
	}
	log.Println("[api] server stopped")

	close(purgeStopCh)

	recoveryLoop.Stop()
	log.Println("[recovery] loop stopped")

	replenishLoop.Stop()
	log.Println("[replenish] loop stopped")

	transports.CloseAll()
	log.Println("[outbound] transports closed")

	geoSvc.Stop()
	log.Println("[geoip] service stopped")

	flushWorker.Stop() // final cache flush before DB close
	log.Println("[state] cache flush worker stopped")

	if runtimeErr != nil {
		fatalf("runtime server error: %v", runtimeErr)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
