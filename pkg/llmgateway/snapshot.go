package llmgateway

import (
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotRecord is one cache entry as written to disk.
type snapshotRecord struct {
	Key     string
	Resp    Response
	Expires int64 // unix ms
}

// SaveSnapshot persists the current cache to disk as msgpack.
// Expired entries are skipped.
func (g *Gateway) SaveSnapshot(path string) error {
	g.mu.Lock()
	now := time.Now()
	records := make([]snapshotRecord, 0, len(g.cache))
	for k, e := range g.cache {
		if now.After(e.expires) {
			continue
		}
		records = append(records, snapshotRecord{Key: k, Resp: e.resp, Expires: e.expires.UnixMilli()})
	}
	g.mu.Unlock()

	data, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadSnapshot restores a previously saved cache, skipping anything
// that has since expired. Missing files are not an error: a fresh
// process simply starts with a cold cache.
func (g *Gateway) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var records []snapshotRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for _, r := range records {
		expires := time.UnixMilli(r.Expires)
		if now.After(expires) {
			continue
		}
		e := &cacheEntry{resp: r.Resp, expires: expires, key: r.Key}
		g.cache[r.Key] = e
		g.lruPushFront(e)
	}
	return nil
}
