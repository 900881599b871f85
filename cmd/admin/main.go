package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	persistlog "stashcraft.ai/internal/persistence/log"
	"stashcraft.ai/internal/persistence/snapshot"
	"stashcraft.ai/internal/persistence/tagstore"
	"stashcraft.ai/internal/sim/catalogs"
	"stashcraft.ai/internal/sim/world"
	"stashcraft.ai/internal/transport/ws"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "verify":
			verifyCmd(os.Args[2:])
			return
		case "tags":
			tagsCmd(os.Args[2:])
			return
		case "token":
			tokenCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "worlds"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// auditCmd prints audit log entries as JSON lines.
func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	actor := fs.String("actor", "", "actor filter (optional)")
	nodeID := fs.String("node", "", "node filter (optional)")
	since := fs.Uint64("since_tick", 0, "from tick (inclusive)")
	until := fs.Uint64("to_tick", 0, "to tick (inclusive, optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	entries, err := persistlog.ReadAudit(filepath.Join(*dataDir, "worlds", *worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range filterAudit(entries, *actor, *nodeID, *since, *until) {
		_ = enc.Encode(e)
	}
}

func filterAudit(entries []world.AuditEntry, actor, nodeID string, since, until uint64) []world.AuditEntry {
	var out []world.AuditEntry
	for _, e := range entries {
		if e.Tick < since || (until != 0 && e.Tick > until) {
			continue
		}
		if actor != "" && e.Actor != actor {
			continue
		}
		if nodeID != "" && e.NodeID != nodeID {
			continue
		}
		out = append(out, e)
	}
	return out
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (used when -snapshot is empty)")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	snap := mustReadSnapshot(*dataDir, *worldID, *snapPath)
	fmt.Printf("snapshot v%d world=%s tick=%d participants=%d containers=%d locks=%d\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Tick,
		len(snap.Participants), len(snap.Containers), len(snap.Locks))
	for _, c := range snap.Containers {
		where := c.Location
		if c.HeldBy != "" {
			where = "held:" + c.HeldBy
		}
		fmt.Printf("  %-16s %-8s %-12s items=%-5d tags=%d\n", c.ID, c.Kind, where, itemCount(c.Slots), len(c.Tags))
	}
	for _, l := range snap.Locks {
		fmt.Printf("  lock %s holder=%s\n", l.NodeID, l.Holder)
	}
}

// verifyCmd loads a snapshot into a fresh world and checks that exporting it again keeps every
// item.
func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (used when -snapshot is empty)")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	configDir := fs.String("configs", "./configs", "config directory")
	_ = fs.Parse(args)

	snap := mustReadSnapshot(*dataDir, *worldID, *snapPath)
	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	w, err := world.New(world.WorldConfig{
		ID:           snap.Header.WorldID,
		TickRateHz:   snap.TickRate,
		DayTicks:     snap.DayTicks,
		TagNamespace: snap.TagNamespace,
	}, cats)
	if err != nil {
		fmt.Fprintln(os.Stderr, "world:", err)
		os.Exit(1)
	}
	if err := w.ImportSnapshot(snap); err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}
	diff := compareTotals(itemTotals(snap), itemTotals(w.ExportSnapshot(snap.Header.Tick)))
	if len(diff) > 0 {
		for _, d := range diff {
			fmt.Fprintln(os.Stderr, "mismatch:", d)
		}
		os.Exit(1)
	}
	fmt.Printf("verify ok: tick=%d containers=%d participants=%d\n", snap.Header.Tick, len(snap.Containers), len(snap.Participants))
}

func itemTotals(snap snapshot.SnapshotV1) map[string]int {
	out := map[string]int{}
	for _, p := range snap.Participants {
		for _, s := range p.Inventory {
			out[s.Item] += s.Count
		}
	}
	for _, c := range snap.Containers {
		for _, s := range c.Slots {
			out[s.Item] += s.Count
		}
	}
	return out
}

func compareTotals(want, got map[string]int) []string {
	keys := map[string]bool{}
	for k := range want {
		keys[k] = true
	}
	for k := range got {
		keys[k] = true
	}
	var out []string
	for k := range keys {
		if want[k] != got[k] {
			out = append(out, fmt.Sprintf("%s: snapshot=%d reloaded=%d", k, want[k], got[k]))
		}
	}
	sort.Strings(out)
	return out
}

func itemCount(slots []snapshot.StackV1) int {
	n := 0
	for _, s := range slots {
		n += s.Count
	}
	return n
}

func tagsCmd(args []string) {
	fs := flag.NewFlagSet("tags", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	s, err := tagstore.OpenSQLite(filepath.Join(*dataDir, "worlds", *worldID, "tags", "tags.sqlite"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer s.Close()
	all, err := s.Load(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	enc := json.NewEncoder(os.Stdout)
	for _, id := range ids {
		_ = enc.Encode(map[string]any{"container_id": id, "tags": all[id]})
	}
}

func tokenCmd(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("SC_JWT_SECRET"), "HS256 secret")
	issuer := fs.String("issuer", "stashcraft", "issuer")
	subject := fs.String("sub", "", "participant id (required)")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "lifetime (0 for none)")
	_ = fs.Parse(args)

	if *secret == "" || *subject == "" {
		fmt.Fprintln(os.Stderr, "missing -secret or -sub")
		os.Exit(2)
	}
	tok, err := ws.NewAuthenticator(*secret, *issuer).Issue(*subject, *name, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func mustReadSnapshot(dataDir, worldID, path string) snapshot.SnapshotV1 {
	p := strings.TrimSpace(path)
	if p == "" {
		if strings.TrimSpace(worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -snapshot")
			os.Exit(2)
		}
		p = latestSnapshot(filepath.Join(dataDir, "worlds", worldID))
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	return snap
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
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
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
