package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// stateWriter serializes presence to JSON files under the team directory so
// external readers (dashboard in file-polling mode) can see current presence
// without the daemon. Every write is temp-file + rename.
type stateWriter struct {
	dir string
	log *slog.Logger
}

func newStateWriter(dir string, log *slog.Logger) *stateWriter {
	return &stateWriter{dir: dir, log: log}
}

type bridgeState struct {
	UpdatedAt time.Time `json:"updated_at"`
	Online    []string  `json:"online"`
	Agents    []Record  `json:"agents"`
}

type processingState struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Queues    map[string]int `json:"queues"` // agent -> outbound queue depth
}

func (w *stateWriter) write(records []Record, now time.Time) {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	var online []string
	queues := make(map[string]int, len(records))
	for _, rec := range records {
		if rec.Connected {
			online = append(online, rec.Name)
		}
		queues[rec.Name] = rec.QueueDepth
	}

	if err := writeAtomic(filepath.Join(w.dir, "agents.json"), records); err != nil {
		w.log.Warn("write agents.json", "error", err)
	}
	if err := writeAtomic(filepath.Join(w.dir, "bridge-state.json"), bridgeState{UpdatedAt: now, Online: online, Agents: records}); err != nil {
		w.log.Warn("write bridge-state.json", "error", err)
	}
	if err := writeAtomic(filepath.Join(w.dir, "processing-state.json"), processingState{UpdatedAt: now, Queues: queues}); err != nil {
		w.log.Warn("write processing-state.json", "error", err)
	}
}

// writeAtomic writes JSON to path via a temp file in the same directory and a
// rename, so readers never observe a partial file.
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
