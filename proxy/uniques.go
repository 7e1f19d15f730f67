package proxy

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/atomicfile"
	log "github.com/sirupsen/logrus"
)

// uniquesWindow is how long a client IP counts as unique.
const uniquesWindow = 24 * time.Hour

// Uniques is the rolling table of client IPs seen in the last day,
// snapshotted to disk on every prune so restarts keep the window.
type Uniques struct {
	mu   sync.Mutex
	seen map[string]float64 // ip -> unix seconds last seen
	path string
}

// NewUniques loads the snapshot at path when one exists.
func NewUniques(path string) (*Uniques, error) {
	u := NewEmptyUniques(path)
	if path == "" {
		return u, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return u, nil
	}
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(data, &u.seen); err != nil {
		return u, err
	}
	return u, nil
}

// NewEmptyUniques returns an empty table bound to path.
func NewEmptyUniques(path string) *Uniques {
	return &Uniques{seen: map[string]float64{}, path: path}
}

// Record marks ip seen now.
func (u *Uniques) Record(ip string) {
	if ip == "" {
		return
	}
	u.mu.Lock()
	u.seen[ip] = float64(time.Now().UnixNano()) / float64(time.Second)
	u.mu.Unlock()
}

// List returns the current unique IPs, sorted.
func (u *Uniques) List() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.seen))
	for ip := range u.seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Prune drops entries older than the window and snapshots the table.
func (u *Uniques) Prune() {
	cutoff := float64(time.Now().Add(-uniquesWindow).UnixNano()) / float64(time.Second)
	u.mu.Lock()
	for ip, stamp := range u.seen {
		if stamp < cutoff {
			delete(u.seen, ip)
		}
	}
	data, err := json.Marshal(u.seen)
	u.mu.Unlock()
	if err != nil {
		log.Errorf("ERROR: Unable to prune uniques: %v", err)
		return
	}
	if u.path == "" {
		return
	}
	// The snapshot replaces the file atomically.
	if err := atomicfile.WriteData(u.path, data, 0o644); err != nil {
		log.Errorf("ERROR: Unable to snapshot uniques: %v", err)
	}
}

// Run prunes once a minute until ctx is done.
func (u *Uniques) Run(ctx context.Context) {
	u.Prune()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Prune()
		}
	}
}
