package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"stashcraft.ai/internal/persistence/indexdb"
	"stashcraft.ai/internal/persistence/tagstore"
	"stashcraft.ai/internal/sim/world"
)

// openRuntimeIndex opens the read-model index. It never affects simulation results.
func openRuntimeIndex(worldDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SC_INDEX_BACKEND")))
	switch backend {
	case "", "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
	case "none", "off", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported SC_INDEX_BACKEND: %s", backend)
	}
}

type tagStoreConfig struct {
	Backend  string
	WorldDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

func openTagStore(ctx context.Context, cfg tagStoreConfig) (tagstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		s, err := tagstore.OpenSQLite(filepath.Join(cfg.WorldDir, "tags", "tags.sqlite"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := tagstore.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "off", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported tag store: %s", cfg.Backend)
	}
}

type multiAuditLogger struct {
	a world.AuditLogger
	b world.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry world.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
