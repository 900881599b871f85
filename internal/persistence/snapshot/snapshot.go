package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 is the full host state. Container configuration and slot markers travel as
// namespaced tags so foreign keys written by other features survive a save/reload.
type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRate     int    `json:"tick_rate_hz"`
	DayTicks     int    `json:"day_ticks"`
	TagNamespace string `json:"tag_namespace"`

	Participants []ParticipantV1 `json:"participants"`
	Containers   []ContainerV1   `json:"containers"`
	Locks        []LockV1        `json:"locks,omitempty"`

	Counters CountersV1 `json:"counters"`
}

type ParticipantV1 struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Pos       [2]int    `json:"pos"`
	Inventory []StackV1 `json:"inventory"`
	Slots     int       `json:"slots"`
}

type ContainerV1 struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Location string            `json:"location,omitempty"`
	Pos      *[2]int           `json:"pos,omitempty"`
	HeldBy   string            `json:"held_by,omitempty"`
	Capacity int               `json:"capacity"`
	Slots    []StackV1         `json:"slots"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// StackV1 is one occupied slot; empty slots are not stored.
type StackV1 struct {
	Slot    int               `json:"slot"`
	Item    string            `json:"item"`
	Count   int               `json:"count"`
	Quality int               `json:"quality,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// LockV1 records a host lock held at save time. Locks are not restored; a restarted host starts
// with every node unlocked, and the record is kept for inspection.
type LockV1 struct {
	NodeID string `json:"node_id"`
	Holder string `json:"holder"`
}

type CountersV1 struct {
	NextContainer uint64 `json:"next_container"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader returns only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
