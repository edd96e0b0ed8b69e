package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dkoval7/AegisOps/command_center/advisory"
	"github.com/dkoval7/AegisOps/command_center/archive"
	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/config"
	"github.com/dkoval7/AegisOps/command_center/dispatch"
	"github.com/dkoval7/AegisOps/command_center/escalation"
	"github.com/dkoval7/AegisOps/command_center/idempotency"
	"github.com/dkoval7/AegisOps/command_center/incident"
	"github.com/dkoval7/AegisOps/command_center/middleware"
	"github.com/dkoval7/AegisOps/command_center/patrol"
	"github.com/dkoval7/AegisOps/command_center/registry"
	"github.com/dkoval7/AegisOps/command_center/streaming"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.SystemClock{}

	// Event fan-out: WebSocket hub for the operator console, plus a log
	// publisher so every coordination event lands in the audit log.
	hub := NewEventHub()
	go hub.Run(ctx)
	pub := streaming.NewMulti(hub, streaming.NewLogPublisher())

	incidents := incident.NewStore(buildRules(cfg), clk, pub)
	reg := registry.New(clk)
	routes := patrol.NewStore(clk)

	engine := dispatch.NewEngine(reg, incidents, routes, pub, clk, dispatch.Config{
		RequiredCapabilities:   cfg.RequiredCapabilities,
		MultiIncidentThreshold: cfg.MultiIncidentThreshold,
	})
	// Availability and staleness triggers flow from the registry into the
	// dispatch engine; this is the only wiring between the two.
	reg.SetHooks(engine.OnUnitAvailable, engine.OnUnitStale)

	var arch *archive.Archive
	if cfg.PostgresDSN != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		a, err := archive.New(connectCtx, cfg.PostgresDSN)
		connectCancel()
		if err != nil {
			log.Printf("WARNING: Postgres archive unavailable, closed incidents stay in memory: %v", err)
		} else {
			arch = a
			defer arch.Close()
			incidents.SetArchiver(arch)
			arch.Start(ctx, cfg.ArchiveFlushInterval.D())
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("WARNING: Redis unavailable, idempotency cache is memory-only: %v", err)
			redisClient = nil
		}
		pingCancel()
	}
	idem := idempotency.NewStore(redisClient)

	adv := advisory.NewClient(cfg.Advisory.Endpoint, cfg.Advisory.Timeout.D(), cfg.Advisory.Fallbacks)

	reconciler := patrol.NewReconciler(routes, reg, pub, clk, cfg.GapThreshold.D())
	slaMonitor := escalation.NewMonitor(incidents, pub, clk, cfg.WarnFractions)
	liveness := registry.NewLivenessMonitor(reg, cfg.LivenessSweepInterval.D(), cfg.LivenessWindow.D())

	engine.Start(ctx, cfg.DispatchInterval.D())
	slaMonitor.Start(ctx, cfg.EscalationInterval.D())
	liveness.Start(ctx)
	reconciler.Start(ctx, cfg.ReconcileInterval.D())

	api := NewAPI(reg, incidents, engine, routes, reconciler, arch, adv, idem, hub,
		cfg.Ingest.RatePerSecond, cfg.Ingest.Burst,
		cfg.Ingest.SourceRatePerSecond, cfg.Ingest.SourceBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/alerts", api.handleIngestAlert)
	mux.HandleFunc("/units/register", api.handleRegisterUnit)
	mux.HandleFunc("/units/heartbeat", api.handleHeartbeat)
	mux.HandleFunc("/units/retire", api.handleRetireUnit)
	mux.HandleFunc("/units", api.handleListUnits)
	mux.HandleFunc("/incidents/archive", api.handleArchivedIncidents)
	mux.HandleFunc("/incidents/", api.handleGetIncident)
	mux.HandleFunc("/incidents", api.handleListIncidents)
	mux.HandleFunc("/operator/assign", api.withIdempotency(api.handleOperatorAssign))
	mux.HandleFunc("/operator/transition", api.withIdempotency(api.handleOperatorTransition))
	mux.HandleFunc("/operator/ack-escalation", api.withIdempotency(api.handleAckEscalation))
	mux.HandleFunc("/operator/approve-extension", api.withIdempotency(api.handleApproveExtension))
	mux.HandleFunc("/operator/close", api.withIdempotency(api.handleOperatorClose))
	mux.HandleFunc("/routes", api.handleRoutes)
	mux.HandleFunc("/routes/assign", api.handleRouteAssign)
	mux.HandleFunc("/routes/release", api.handleRouteRelease)
	mux.HandleFunc("/routes/reconcile", api.handleRouteReconcile)
	mux.HandleFunc("/dispatch/snapshot", api.handleDispatchSnapshot)
	mux.HandleFunc("/assignments", api.handleAssignments)
	mux.HandleFunc("/advisory/suggestion", api.handleAdvisorySuggestion)
	mux.HandleFunc("/events/stream", api.handleEventStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := middleware.CORSMiddleware(middleware.AuthMiddleware(mux))

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Command center listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if arch != nil {
		arch.Flush(context.Background())
	}
}

// loadConfig reads the YAML file named by AEGIS_CONFIG (defaults apply when
// unset) and applies environment overrides for the infrastructure endpoints.
func loadConfig() *config.Config {
	var cfg *config.Config
	if path := os.Getenv("AEGIS_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.PostgresDSN = dsn
	}
	if ep := os.Getenv("ADVISORY_ENDPOINT"); ep != "" {
		cfg.Advisory.Endpoint = ep
	}
	return cfg
}

// buildRules converts config tables into the incident store's typed rules.
func buildRules(cfg *config.Config) incident.Rules {
	severityByThreat := make(map[string]incident.Severity, len(cfg.SeverityByThreat))
	for threat, sev := range cfg.SeverityByThreat {
		severityByThreat[threat] = incident.Severity(sev)
	}
	slaTiers := make(map[incident.Severity]time.Duration, len(cfg.SLATiers))
	for sev, d := range cfg.SLATiers {
		slaTiers[incident.Severity(sev)] = d.D()
	}
	return incident.Rules{
		SeverityByThreat: severityByThreat,
		SLATiers:         slaTiers,
		DefaultSeverity:  incident.SeverityMedium,
	}
}
