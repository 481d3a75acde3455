package sessionlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// positionStore persists the {filePath → byteOffset} map so the watcher
// never re-reads already-processed bytes across restarts.
type positionStore struct {
	path string
	mu   sync.Mutex
	data map[string]int64
}

func loadPositions(path string) (*positionStore, error) {
	ps := &positionStore{path: path, data: make(map[string]int64)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ps, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return ps, nil
	}
	if err := json.Unmarshal(raw, &ps.data); err != nil {
		return nil, err
	}
	return ps, nil
}

func (p *positionStore) get(file string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[file]
}

// set updates the in-memory offset and persists the whole map atomically
// via a temp file plus rename, so a crash mid-write never leaves a
// corrupt positions file behind.
func (p *positionStore) set(file string, offset int64) error {
	p.mu.Lock()
	p.data[file] = offset
	snapshot := make(map[string]int64, len(p.data))
	for k, v := range p.data {
		snapshot[k] = v
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "watcher-positions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, p.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
