package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"qubedb/pkg/record"
)

// Manifest tracks the live data file generation and the collection catalog.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

// ManifestData represents the manifest data
type ManifestData struct {
	Version     int                       `json:"version"`
	Generation  uint64                    `json:"generation"`
	Collections map[string]CollectionInfo `json:"collections"`
}

// CollectionInfo describes a collection known to the engine.
type CollectionInfo struct {
	Namespace record.Namespace `json:"namespace"`
	Name      string           `json:"name"`
	Dimension int              `json:"dimension,omitempty"`
}

func collectionKey(ns record.Namespace, name string) string {
	return ns.String() + "/" + name
}

func NewManifest(dataDir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dataDir, "MANIFEST"),
		metadata: ManifestData{
			Version:     1,
			Generation:  1,
			Collections: make(map[string]CollectionInfo),
		},
	}
}

// Load loads the manifest from disk, creating it when absent.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.metadata.Collections == nil {
		m.metadata.Collections = make(map[string]CollectionInfo)
	}
	return nil
}

// save writes to a temp file and renames it over the manifest.
func (m *Manifest) save() error {
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "MANIFEST-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpName, m.filePath); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

func (m *Manifest) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.Generation
}

func (m *Manifest) SetGeneration(gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata.Generation = gen
	return m.save()
}

// AddCollection registers a collection; it reports whether the catalog changed.
func (m *Manifest) AddCollection(info CollectionInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collectionKey(info.Namespace, info.Name)
	if cur, ok := m.metadata.Collections[key]; ok && cur == info {
		return false, nil
	}
	m.metadata.Collections[key] = info
	return true, m.save()
}

func (m *Manifest) RemoveCollection(ns record.Namespace, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collectionKey(ns, name)
	if _, ok := m.metadata.Collections[key]; !ok {
		return false, nil
	}
	delete(m.metadata.Collections, key)
	return true, m.save()
}

func (m *Manifest) Collection(ns record.Namespace, name string) (CollectionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.metadata.Collections[collectionKey(ns, name)]
	return info, ok
}

// Collections returns the catalog sorted by namespace and name.
func (m *Manifest) Collections() []CollectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CollectionInfo, 0, len(m.metadata.Collections))
	for _, info := range m.metadata.Collections {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}
