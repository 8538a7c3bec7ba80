// Package attach stores dashboard-uploaded attachments on disk with a bolt
// metadata index and time-based eviction.
package attach

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"

	"github.com/agentrelay/agent-relay/internal/clock"
)

var (
	// ErrUnsupportedType is returned for MIME types outside the allowlist.
	ErrUnsupportedType = errors.New("unsupported attachment type")
	// ErrNotFound is returned when no attachment exists under an id.
	ErrNotFound = errors.New("attachment not found")
	// ErrTooLarge is returned when an upload exceeds the size cap.
	ErrTooLarge = errors.New("attachment too large")
)

// MaxAttachmentBytes caps a single upload.
const MaxAttachmentBytes = 10 << 20

var bucketAttachments = []byte("attachments")

// extByMIME doubles as the allowlist: only image types are accepted.
var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Record is the stored metadata for one attachment.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	MIME      string    `json:"mime"`
	File      string    `json:"file"` // basename under the attachment dir
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store holds attachments under one directory, indexed by a bolt file in the
// same directory. Eviction runs hourly and removes anything older than the
// retention window.
type Store struct {
	dir       string
	retention time.Duration
	db        *bbolt.DB
	clk       clock.Clock
	log       *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Open creates the attachment directory and index.
func Open(dir string, retention time.Duration, clk clock.Clock, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "index.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open attachment index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttachments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init attachment index: %w", err)
	}
	return &Store{dir: dir, retention: retention, db: db, clk: clk, log: log}, nil
}

// StartEviction schedules the hourly eviction sweep.
func (s *Store) StartEviction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc("@hourly", s.Evict); err != nil {
		return fmt.Errorf("schedule eviction: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Close stops eviction and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Save writes one attachment and indexes it. The filename embeds a short id
// and the creation time in milliseconds so names never collide and eviction
// can reason about age from the name alone.
func (s *Store) Save(name, mime string, data []byte) (Record, error) {
	ext, ok := extByMIME[mime]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	if len(data) > MaxAttachmentBytes {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	now := s.clk.Now()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	file := fmt.Sprintf("%s-%d%s", id, now.UnixMilli(), ext)

	if err := os.WriteFile(filepath.Join(s.dir, file), data, 0o600); err != nil {
		return Record{}, fmt.Errorf("write attachment: %w", err)
	}

	rec := Record{ID: id, Name: name, MIME: mime, File: file, Size: int64(len(data)), CreatedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttachments).Put([]byte(id), raw)
	})
	if err != nil {
		os.Remove(filepath.Join(s.dir, file))
		return Record{}, fmt.Errorf("index attachment: %w", err)
	}
	return rec, nil
}

// Get returns one attachment's metadata and bytes.
func (s *Store) Get(id string) (Record, []byte, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAttachments).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, rec.File))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, nil, err
	}
	return rec, data, nil
}

// List returns all attachment records, newest first.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(_, raw []byte) error {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Evict removes attachments older than the retention window, both the files
// and their index entries.
func (s *Store) Evict() {
	cutoff := s.clk.Now().Add(-s.retention)
	var stale []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(_, raw []byte) error {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.CreatedAt.Before(cutoff) {
				stale = append(stale, rec)
			}
			return nil
		})
	})
	if err != nil {
		s.log.Warn("attachment eviction scan failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		for _, rec := range stale {
			if err := b.Delete([]byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("attachment eviction failed", "error", err)
		return
	}
	for _, rec := range stale {
		if err := os.Remove(filepath.Join(s.dir, rec.File)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove evicted attachment", "file", rec.File, "error", err)
		}
	}
	s.log.Info("evicted attachments", "count", len(stale))
}
