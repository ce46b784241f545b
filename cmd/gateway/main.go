package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/crisisdesk/triage/pkg/config"
	"github.com/crisisdesk/triage/pkg/geo"
	"github.com/crisisdesk/triage/pkg/httputil"
	"github.com/crisisdesk/triage/pkg/ledger"
	"github.com/crisisdesk/triage/pkg/triage"
)

const Version = "0.1.0"

// Engine bundles the orchestrator with the boundary-layer concerns the
// gateway owns: shelter lookup and turn backpressure.
type Engine struct {
	orchestrator *triage.Orchestrator
	resolver     *geo.Client
	turnSlots    *httputil.Semaphore
	config       *config.Config
}

// TurnResponse is the gateway's wire response. Shelter suggestions are
// attached here, outside the engine core, so transport concerns never leak
// into session state.
type TurnResponse struct {
	*triage.TurnDirective
	Shelters []string `json:"shelters,omitempty"`
}

func NewEngine(cfg *config.Config) (*Engine, func(), error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.FactorsFile != "" {
		if err := triage.LoadFactorTables(cfg.FactorsFile); err != nil {
			return nil, cleanup, fmt.Errorf("load factor tables: %w", err)
		}
		log.Printf("[STARTUP] Risk factor tables loaded from %s", cfg.FactorsFile)
	}

	// Session store
	var store triage.SessionStore
	switch cfg.StoreBackend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := triage.NewRedisStore(client, triage.WithRedisTTL(cfg.SessionTTL))
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			client.Close()
			return nil, cleanup, fmt.Errorf("connect redis session store: %w", err)
		}
		cleanups = append(cleanups, func() { client.Close() })
		store = rs
		log.Printf("[STARTUP] Redis session store at %s", cfg.RedisAddr)
	default:
		ms := triage.NewMemoryStore(triage.WithMaxIdle(cfg.SessionTTL))
		cleanups = append(cleanups, ms.Close)
		store = ms
		log.Println("[STARTUP] In-memory session store")
	}

	// Escalation sinks: the JSONL ledger is always on; Postgres joins when
	// a DSN is configured.
	dispatcherOpts := []triage.DispatcherOption{}
	audit, err := ledger.OpenJSONL(cfg.AuditLogPath)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open audit ledger: %w", err)
	}
	cleanups = append(cleanups, func() { audit.Close() })
	dispatcherOpts = append(dispatcherOpts, triage.WithSink(audit))
	log.Printf("[STARTUP] Escalation ledger at %s (%d events on record)", cfg.AuditLogPath, audit.Len())

	if cfg.PostgresDSN != "" {
		pg, err := ledger.OpenPostgres(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open postgres ledger: %w", err)
		}
		cleanups = append(cleanups, pg.Close)
		dispatcherOpts = append(dispatcherOpts, triage.WithSink(pg))
		log.Println("[STARTUP] Postgres escalation ledger enabled")
	}

	dispatcher := triage.NewDispatcher(cfg.CriticalScoreThreshold, dispatcherOpts...)
	fallback := triage.NewFallbackManager(
		cfg.LowConfidenceThreshold,
		cfg.ResetConfidenceThreshold,
		cfg.HandoffScoreThreshold,
	)
	orch := triage.NewOrchestrator(store, fallback, dispatcher,
		triage.WithStoreTimeout(cfg.StoreTimeout),
		triage.WithMinEntityConfidence(cfg.MinEntityConfidence),
	)

	e := &Engine{
		orchestrator: orch,
		turnSlots:    httputil.NewSemaphore(cfg.MaxConcurrentTurns),
		config:       cfg,
	}
	if cfg.EnableGeo {
		e.resolver = geo.NewClient(cfg.NominatimBaseURL, cfg.NominatimUserAgent)
		log.Println("[STARTUP] Shelter lookup enabled")
	}
	return e, cleanup, nil
}

// ProcessTurn runs a turn and, when it escalates with a usable location,
// attaches shelter suggestions.
func (e *Engine) ProcessTurn(ctx context.Context, input triage.TurnInput) (*TurnResponse, error) {
	dir, err := e.orchestrator.ProcessTurn(ctx, input)
	if err != nil {
		return nil, err
	}

	resp := &TurnResponse{TurnDirective: dir}
	if e.resolver == nil || dir.Escalation == nil {
		return resp, nil
	}
	loc, ok := dir.Slots[triage.SlotLocation]
	if !ok || loc.Text == "" {
		return resp, nil
	}

	geoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := e.resolver.Resolve(geoCtx, loc.Text)
	if err != nil {
		// Best effort only; an unresolvable location never degrades the turn.
		log.Printf("[WARN] shelter lookup failed for session %s: %v", dir.SessionID, err)
		return resp, nil
	}
	resp.Shelters = res.Shelters
	return resp, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Best effort; deployments usually configure through real env vars.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		addr := ""
		if len(os.Args) > 2 {
			addr = ":" + os.Args[2]
		}
		runHTTPServer(addr)
	case "assess":
		if len(os.Args) < 3 {
			fmt.Println("Usage: triage assess <turn-json>")
			os.Exit(1)
		}
		runCLIAssess(strings.Join(os.Args[2:], " "))
	case "version":
		fmt.Printf("Triage Engine v%s\n", Version)
		fmt.Println("Crisis Risk Assessment & Escalation Engine")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Triage Engine v%s - Crisis Risk Assessment & Escalation\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  triage serve [port]        Start HTTP gateway (default: 8090)")
	fmt.Println("  triage assess <turn-json>  Run one turn event from the command line")
	fmt.Println("  triage version             Show version")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  triage serve 8090")
	fmt.Println(`  triage assess '{"session_id":"s1","intent":"report_fire","confidence":0.92}'`)
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  TRIAGE_STORE            Session store: memory (default) or redis")
	fmt.Println("  TRIAGE_REDIS_ADDR       Redis address for the redis store")
	fmt.Println("  TRIAGE_POSTGRES_DSN     Enable the Postgres escalation ledger")
	fmt.Println("  TRIAGE_AUDIT_LOG        Path to the JSONL escalation ledger")
	fmt.Println("  TRIAGE_FACTORS_FILE     YAML override for risk factor tables")
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

func runHTTPServer(addr string) {
	cfg := config.NewDefaultConfig()
	if addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.MustValidate()

	engine, cleanup, err := NewEngine(cfg)
	if err != nil {
		cleanup()
		log.Fatalf("[STARTUP] FATAL: %v", err)
	}
	defer cleanup()

	app := fiber.New(fiber.Config{
		AppName: "Triage Engine",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": Version,
			"turns":   engine.turnSlots.Stats(),
		})
	})

	app.Post("/v1/turn", func(c fiber.Ctx) error {
		if !engine.turnSlots.TryAcquire() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "engine at capacity, retry shortly",
				"retry": true,
			})
		}
		defer engine.turnSlots.Release()

		var input triage.TurnInput
		if err := c.Bind().Body(&input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if input.SessionID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id is required"})
		}

		resp, err := engine.ProcessTurn(c.Context(), input)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.Status(fiber.StatusRequestTimeout).JSON(fiber.Map{"error": "turn abandoned"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(resp)
	})

	app.Get("/v1/session/:id", func(c fiber.Ctx) error {
		sess, err := engine.orchestrator.Snapshot(c.Context(), c.Params("id"))
		if err != nil {
			if errors.Is(err, triage.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(sess)
	})

	app.Post("/v1/session/:id/reset", func(c fiber.Ctx) error {
		sess, err := engine.orchestrator.ResetSession(c.Context(), c.Params("id"))
		if err != nil {
			if errors.Is(err, triage.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(sess)
	})

	app.Delete("/v1/session/:id", func(c fiber.Ctx) error {
		if err := engine.orchestrator.Expire(c.Context(), c.Params("id")); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	log.Printf("Triage gateway starting on %s", cfg.ListenAddr)
	log.Printf("Endpoints:")
	log.Printf("  POST   /v1/turn              - Process one turn event")
	log.Printf("  GET    /v1/session/:id       - Session snapshot")
	log.Printf("  POST   /v1/session/:id/reset - Reset assessment")
	log.Printf("  DELETE /v1/session/:id       - Expire session")
	log.Printf("  GET    /health               - Health check")

	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// CLI Mode
// ============================================================================

func runCLIAssess(raw string) {
	var input triage.TurnInput
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		log.Fatalf("invalid turn JSON: %v", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.EnableGeo = false
	engine, cleanup, err := NewEngine(cfg)
	if err != nil {
		cleanup()
		log.Fatalf("engine init: %v", err)
	}
	defer cleanup()

	resp, err := engine.ProcessTurn(context.Background(), input)
	if err != nil {
		log.Fatalf("process turn: %v", err)
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}
