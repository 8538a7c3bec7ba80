package router

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// fingerprint derives the dedup identity of a send: same sender, recipient,
// body, and replyTo within the window means the same message.
func fingerprint(sender, recipient, body, replyTo string) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(recipient))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(replyTo))
	return hex.EncodeToString(h.Sum(nil))
}

// dedupWindow is a sliding-window set of recently seen fingerprints.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{window: window, seen: make(map[string]time.Time)}
}

// check records fp at now and reports whether it was already seen within the
// window.
func (d *dedupWindow) check(fp string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.seen[fp]; ok && now.Sub(t) <= d.window {
		return true
	}
	d.seen[fp] = now
	return false
}

// prune drops entries older than the window.
func (d *dedupWindow) prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for fp, t := range d.seen {
		if now.Sub(t) > d.window {
			delete(d.seen, fp)
		}
	}
}
