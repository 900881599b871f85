package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	persistlog "stashcraft.ai/internal/persistence/log"
	"stashcraft.ai/internal/persistence/snapshot"
	"stashcraft.ai/internal/persistence/tagstore"
	"stashcraft.ai/internal/sim/catalogs"
	"stashcraft.ai/internal/sim/tuning"
	"stashcraft.ai/internal/sim/world"
	"stashcraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		seedPath   = flag.String("containers", "", "seed containers yaml for a fresh world (default: <configs>/containers.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (audit + catalogs + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		tagBackend    = flag.String("tag_store", envString("SC_TAG_STORE", "sqlite"), "container tag store: sqlite, redis or none")
		redisAddr     = flag.String("redis_addr", envString("SC_REDIS_ADDR", "127.0.0.1:6379"), "redis address for -tag_store=redis")
		redisPassword = flag.String("redis_password", os.Getenv("SC_REDIS_PASSWORD"), "redis password")
		redisDB       = flag.Int("redis_db", envInt("SC_REDIS_DB", 0), "redis database")

		jwtSecret = flag.String("jwt_secret", os.Getenv("SC_JWT_SECRET"), "HS256 secret for participant tokens (empty allows anonymous participants)")
		jwtIssuer = flag.String("jwt_issuer", envString("SC_JWT_ISSUER", "stashcraft"), "expected token issuer")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	tags, err := openTagStore(ctx, tagStoreConfig{
		Backend:       *tagBackend,
		WorldDir:      worldDir,
		RedisAddr:     *redisAddr,
		RedisPassword: *redisPassword,
		RedisDB:       *redisDB,
		RedisPrefix:   "stashcraft:" + *worldID + ":",
	})
	if err != nil {
		logger.Fatalf("open tag store: %v", err)
	}
	if tags != nil {
		defer tags.Close()
	}

	cfg, err := world.ConfigFromTuning(*worldID, tune)
	if err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	var snap snapshot.SnapshotV1
	if snapshotToLoad != "" {
		snap, err = snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != *worldID {
			logger.Fatalf("snapshot world id mismatch: flag=%s snap=%s", *worldID, snap.Header.WorldID)
		}
		cfg.TickRateHz = snap.TickRate
		cfg.DayTicks = snap.DayTicks
		if snap.TagNamespace != "" {
			cfg.TagNamespace = snap.TagNamespace
		}
	}

	w, err := world.New(cfg, cats)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	if snapshotToLoad != "" {
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), w.CurrentTick())
	} else {
		sp := strings.TrimSpace(*seedPath)
		if sp == "" {
			sp = filepath.Join(*configDir, "containers.yaml")
		}
		if err := w.LoadSeedContainers(sp); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Fatalf("seed containers: %v", err)
			}
			logger.Printf("no seed containers (%s)", sp)
		}
	}

	// Tags written after the last snapshot win over the snapshot's copy.
	if tags != nil {
		stored, err := tags.Load(ctx)
		if err != nil {
			logger.Fatalf("load tags: %v", err)
		}
		if err := w.ApplyStoredTags(stored); err != nil {
			logger.Fatalf("apply tags: %v", err)
		}
		logger.Printf("tag store: %d containers", len(stored))
	}

	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()
	if idx != nil {
		w.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})
	} else {
		w.SetAuditLogger(auditLog)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap := <-snapCh:
				path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	})

	if tags != nil {
		tagCh := make(chan world.TagUpdate, 256)
		w.SetTagSink(tagCh)
		g.Go(func() error {
			tagstore.Pump(gctx, tags, tagCh, logger)
			return nil
		})
	}

	g.Go(func() error {
		if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("world stopped: %w", err)
		}
		return nil
	})

	var auth *ws.Authenticator
	if s := strings.TrimSpace(*jwtSecret); s != "" {
		auth = ws.NewAuthenticator(s, *jwtIssuer)
	} else {
		logger.Printf("participant auth disabled (no -jwt_secret)")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(rw, "# HELP stashcraft_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE stashcraft_world_tick gauge\n")
		fmt.Fprintf(rw, "stashcraft_world_tick{world=%q} %d\n", *worldID, w.CurrentTick())
		fmt.Fprintf(rw, "# HELP stashcraft_tag_backlog Containers with tag writes waiting for the tag store.\n")
		fmt.Fprintf(rw, "# TYPE stashcraft_tag_backlog gauge\n")
		fmt.Fprintf(rw, "stashcraft_tag_backlog{world=%q} %d\n", *worldID, w.TagBacklog())
		if idx == nil {
			return
		}
		st := idx.Stats()
		fmt.Fprintf(rw, "# HELP stashcraft_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE stashcraft_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "stashcraft_index_queue_depth{world=%q} %d\n", *worldID, st.QueueDepth)
		fmt.Fprintf(rw, "# HELP stashcraft_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE stashcraft_index_dropped_total counter\n")
		fmt.Fprintf(rw, "stashcraft_index_dropped_total{world=%q,kind=%q} %d\n", *worldID, "audit", st.DropAuditTotal)
		fmt.Fprintf(rw, "stashcraft_index_dropped_total{world=%q,kind=%q} %d\n", *worldID, "snapshot", st.DropSnapshotTotal)
	})
	if idx != nil {
		// Local-only audit query.
		mux.HandleFunc("/admin/v1/audit", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			actor := strings.TrimSpace(r.URL.Query().Get("actor"))
			if actor == "" {
				http.Error(rw, "missing actor", http.StatusBadRequest)
				return
			}
			entries, err := idx.AuditsFor(r.Context(), actor)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(entries)
		})
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(w, auth, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	if idx != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = idx.Flush(fctx)
		fcancel()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
