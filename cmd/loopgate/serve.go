package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Loopgate-Labs/loopgate/pkg/bus"
	"github.com/Loopgate-Labs/loopgate/pkg/candidate"
	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/config"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
	"github.com/Loopgate-Labs/loopgate/pkg/evidence"
	"github.com/Loopgate-Labs/loopgate/pkg/governor"
	"github.com/Loopgate-Labs/loopgate/pkg/graph"
	"github.com/Loopgate-Labs/loopgate/pkg/identity"
	"github.com/Loopgate-Labs/loopgate/pkg/iteration"
	"github.com/Loopgate-Labs/loopgate/pkg/observability"
	"github.com/Loopgate-Labs/loopgate/pkg/oracle"
	"github.com/Loopgate-Labs/loopgate/pkg/portal"
	"github.com/Loopgate-Labs/loopgate/pkg/refs"
)

// triggerCheckInterval paces the governor sweep over chartered loops.
const triggerCheckInterval = 10 * time.Second

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "loopgate",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TracesEnabled && cfg.OTLPEndpoint != "",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return 1
	}
	defer telemetry.Shutdown(context.Background())

	store, db, err := buildEventStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "event store: %v\n", err)
		return 1
	}
	if db != nil {
		defer db.Close()
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "bus: %v\n", err)
		return 1
	}
	defer publisher.Close()
	log := eventlog.Store(store)
	if _, ok := publisher.(bus.NopPublisher); !ok {
		log = bus.NewPublishingStore(store, publisher)
	}

	blobs, err := buildEvidenceStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "evidence store: %v\n", err)
		return 1
	}

	candidates, err := buildCandidateRegistry(cfg, db)
	if err != nil {
		fmt.Fprintf(stderr, "candidate registry: %v\n", err)
		return 1
	}

	registry, err := oracle.NewRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "oracle registry: %v\n", err)
		return 1
	}
	runner := oracle.NewWASIRunner(ctx, 256<<20, func(ctx context.Context, name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(cfg.OracleDir, filepath.Base(name)+".wasm"))
	})
	defer runner.Close()

	directives, err := config.LoadAllDirectives(cfg.DirectiveDir)
	if err != nil {
		fmt.Fprintf(stderr, "directives: %v\n", err)
		return 1
	}

	var seeds []config.PortalSeed
	for _, d := range directives {
		seeds = append(seeds, d.Portals...)
	}

	keys, err := identity.NewInMemoryKeySet()
	if err != nil {
		fmt.Fprintf(stderr, "identity: %v\n", err)
		return 1
	}
	tokens := identity.NewTokenManager(keys)

	gov := governor.New(log, governor.WithIdentity(tokens))
	d := &daemon{
		gov:          gov,
		controller:   iteration.NewController(gov, log, candidateResolver{registry: candidates}, blobs),
		registry:     registry,
		orchestrator: oracle.NewOrchestrator(registry, runner, blobs),
		portals:      portal.NewService(log, seeds, portal.WithIdentity(tokens)),
		tracker:      graph.NewTracker(),
		telemetry:    telemetry,
		logger:       logger,
		dir:          cfg.DirectiveDir,
	}

	if err := d.preflight(ctx); err != nil {
		fmt.Fprintf(stderr, "sandbox preflight: %v\n", err)
		return 1
	}
	if err := d.charter(ctx, directives); err != nil {
		fmt.Fprintf(stderr, "charter: %v\n", err)
		return 1
	}

	logger.Info("loopgate started",
		"event_backend", cfg.EventBackend, "bus_backend", cfg.BusBackend,
		"loops", len(d.loops), "portals", len(seeds))

	ticker := time.NewTicker(triggerCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return 0
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// daemon supervises chartered loops: it opens their first iteration,
// runs the periodic governor sweep, and watches directives for drift.
type daemon struct {
	gov          *governor.Governor
	controller   *iteration.Controller
	registry     *oracle.Registry
	orchestrator *oracle.Orchestrator
	portals      *portal.Service
	tracker      *graph.Tracker
	telemetry    *observability.Provider
	logger       *slog.Logger
	dir          string
	loops        []charteredLoop
}

// charteredLoop ties a running loop to the directive it was chartered
// from and the directive's content hash at charter time.
type charteredLoop struct {
	directive     string
	loopID        string
	directiveHash contracts.ContentHash
}

func directiveNode(name string) string { return "directive/" + name }
func loopNode(id string) string        { return "loop/" + id }

// preflight registers a one-oracle advisory suite and executes it in
// the sandbox before any loop is chartered. A degraded sandbox is
// logged, not fatal: oracle gaps surface on real runs regardless.
func (d *daemon) preflight(ctx context.Context) error {
	pin, err := d.registry.RegisterSuite(ctx, contracts.OracleSuite{
		SuiteID: "sandbox-preflight",
		Version: "1.0.0",
		Oracles: []contracts.OracleDefinition{{
			OracleID:       "sandbox-probe",
			Name:           "sandbox probe",
			Classification: contracts.OracleAdvisory,
			Deterministic:  true,
			Command:        []string{"probe"},
			Timeout:        30 * time.Second,
		}},
	})
	if err != nil {
		return fmt.Errorf("register preflight suite: %w", err)
	}
	run, err := d.orchestrator.ExecuteSuite(ctx, "sandbox-preflight", pin)
	if err != nil {
		return fmt.Errorf("execute preflight suite: %w", err)
	}
	for _, result := range run.Results {
		if result.Status != contracts.OraclePass {
			d.logger.Warn("sandbox preflight degraded",
				"oracle_id", result.OracleID, "status", result.Status)
		}
	}
	d.logger.Info("sandbox preflight complete", "run_id", run.ID, "integrity", len(run.Integrity))
	return nil
}

// charter creates and activates one loop per directive, records the
// loop's dependency on its directive, and opens the first iteration
// with the directive as its declared context.
func (d *daemon) charter(ctx context.Context, directives map[string]*config.Directive) error {
	names := make([]string, 0, len(directives))
	for name := range directives {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		directive := directives[name]
		hash, err := canonicalize.CanonicalHash(directive)
		if err != nil {
			return fmt.Errorf("hash directive %s: %w", name, err)
		}
		loop, err := d.gov.CreateLoop(ctx, directive.Goal, directive.LoopBudgets(), name, contracts.SystemActor)
		if err != nil {
			return fmt.Errorf("charter loop for directive %s: %w", name, err)
		}
		if err := d.gov.ActivateLoop(ctx, loop.ID, contracts.SystemActor); err != nil {
			return fmt.Errorf("activate loop %s: %w", loop.ID, err)
		}
		if err := d.tracker.AddEdge(loopNode(loop.ID), directiveNode(name), refs.RelDependsOn); err != nil {
			return fmt.Errorf("track loop %s: %w", loop.ID, err)
		}
		iter, err := d.controller.StartIteration(ctx, loop.ID, []refs.TypedRef{
			{Kind: refs.KindDirective, ID: name, Rel: refs.RelAbout},
		})
		if err != nil {
			return fmt.Errorf("open first iteration of loop %s: %w", loop.ID, err)
		}
		d.loops = append(d.loops, charteredLoop{directive: name, loopID: loop.ID, directiveHash: hash})
		d.logger.Info("loop chartered",
			"loop_id", loop.ID, "directive", name, "goal", directive.Goal, "iteration_id", iter.ID)
	}
	return nil
}

// sweep is the periodic governor pass: fire due triggers, remind
// paused loops of their pending portals, and mark loops stale when
// their directive changed on disk.
func (d *daemon) sweep(ctx context.Context) {
	for i := range d.loops {
		cl := &d.loops[i]

		triggers, err := d.gov.CheckTriggers(ctx, cl.loopID)
		if err != nil {
			d.logger.Error("trigger check failed", "loop_id", cl.loopID, "error", err)
			continue
		}
		for _, trig := range triggers {
			d.telemetry.StopTriggered(ctx, trig)
		}

		loop, err := d.gov.Loop(cl.loopID)
		if err != nil {
			d.logger.Error("loop lookup failed", "loop_id", cl.loopID, "error", err)
			continue
		}
		if loop.State == contracts.LoopPaused {
			pending := d.portals.Pending()
			ids := make([]string, 0, len(pending))
			for _, p := range pending {
				ids = append(ids, p.ID)
			}
			d.logger.Warn("loop paused awaiting human decision",
				"loop_id", cl.loopID, "pending_portals", ids)
		}

		reloaded, err := config.LoadDirective(d.dir, cl.directive)
		if err != nil {
			d.logger.Error("directive reload failed", "directive", cl.directive, "error", err)
			continue
		}
		hash, err := canonicalize.CanonicalHash(reloaded)
		if err != nil {
			d.logger.Error("directive hash failed", "directive", cl.directive, "error", err)
			continue
		}
		if hash != cl.directiveHash {
			stale := d.tracker.MarkChanged(directiveNode(cl.directive))
			d.logger.Warn("directive changed on disk, dependents stale",
				"directive", cl.directive, "stale", stale)
			cl.directiveHash = hash
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildEventStore(cfg *config.Config) (eventlog.Store, *sql.DB, error) {
	switch cfg.EventBackend {
	case "memory":
		return eventlog.NewMemoryStore(), nil, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		store, err := eventlog.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store := eventlog.NewPostgresStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown event backend %q", cfg.EventBackend)
	}
}

func buildPublisher(cfg *config.Config) (bus.Publisher, error) {
	switch cfg.BusBackend {
	case "none", "":
		return bus.NopPublisher{}, nil
	case "redis":
		return bus.NewRedisPublisher(cfg.RedisAddr, "", 0)
	case "amqp":
		return bus.NewAMQPPublisher(cfg.AMQPURL)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

func buildEvidenceStore(ctx context.Context, cfg *config.Config) (evidence.Store, error) {
	if cfg.EvidenceS3 != "" {
		return evidence.NewS3Store(ctx, evidence.S3Config{Bucket: cfg.EvidenceS3})
	}
	return evidence.NewFSStore(cfg.EvidenceDir)
}

func buildCandidateRegistry(cfg *config.Config, db *sql.DB) (*candidate.Registry, error) {
	if cfg.EventBackend == "sqlite" && db != nil {
		store, err := candidate.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		return candidate.NewRegistry(store), nil
	}
	return candidate.NewRegistry(candidate.NewMemoryStore()), nil
}

// candidateResolver dereferences candidate refs for iteration context
// compilation. Non-candidate kinds resolve to their id bytes: the
// governed-artifact arena and oracle registry address by stable id.
type candidateResolver struct {
	registry *candidate.Registry
}

func (r candidateResolver) Resolve(ctx context.Context, ref refs.TypedRef) ([]byte, error) {
	if ref.Kind == refs.KindCandidate {
		cand, err := r.registry.Resolve(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return []byte(cand.ContentHash), nil
	}
	return []byte(ref.ID), nil
}
