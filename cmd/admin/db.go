package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "snapshot tick for nodes (optional; defaults to latest)")
	actor := fs.String("actor", "", "actor filter for audits")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var rows []map[string]any
	switch q {
	case "snapshots":
		rows, err = queryRows(db, `SELECT tick,path,world_id,participants,containers,locks,recorded_at FROM snapshots ORDER BY tick DESC LIMIT ?`, *limit)
	case "nodes":
		if *tick == 0 {
			if err := db.QueryRow(`SELECT COALESCE(MAX(tick),0) FROM snapshots`).Scan(tick); err != nil {
				fmt.Fprintln(os.Stderr, "latest tick:", err)
				os.Exit(1)
			}
			if *tick == 0 {
				fmt.Fprintln(os.Stderr, "no snapshots found")
				os.Exit(2)
			}
		}
		rows, err = queryRows(db, `SELECT node_id,location,held_by,items,tags_json FROM snapshot_nodes WHERE tick=? ORDER BY node_id LIMIT ?`, *tick, *limit)
	case "audits":
		if *actor != "" {
			rows, err = queryRows(db, `SELECT tick,actor,action,node_id,item,count,code,reason FROM audits WHERE actor=? ORDER BY tick DESC, seq DESC LIMIT ?`, *actor, *limit)
		} else {
			rows, err = queryRows(db, `SELECT tick,actor,action,node_id,item,count,code,reason FROM audits ORDER BY tick DESC, seq DESC LIMIT ?`, *limit)
		}
	case "catalogs":
		rows, err = queryRows(db, `SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(snapshots|nodes|audits|catalogs)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range rows {
		_ = enc.Encode(r)
	}
}

func queryRows(db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[c] = string(b)
				continue
			}
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
