// Package build owns the decision to rebuild or reuse a project's preview
// artifact: the single-slot BuildCache, the coalescing Orchestrator and the
// external Builder it drives.
package build

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/fingerprint"
)

// ManifestFile is the per-project cache manifest, relative to the project.
const ManifestFile = ".tav/cache.yml"

// CacheEntry records the last good build of a project.
type CacheEntry struct {
	ProjectID    string                  `yaml:"project" json:"project"`
	Fingerprint  fingerprint.Fingerprint `yaml:"fingerprint" json:"fingerprint"`
	ArtifactPath string                  `yaml:"artifact_path" json:"artifactPath"`
	CreatedAt    time.Time               `yaml:"created_at" json:"createdAt"`
}

// CacheStats are cumulative cache counters.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stores  int64 `json:"stores"`
	Clears  int64 `json:"clears"`
	Entries int   `json:"entries"`
}

// BuildCache maps a project to its latest good artifact. Each project has a
// single slot: Store retires whatever was there before. Slots are kept in a
// bounded LRU and, when persistence is on, mirrored to a YAML manifest in the
// project so a restart can reuse the last build.
type BuildCache struct {
	slots   *lru.Cache[string, CacheEntry]
	persist bool
	mutex   sync.Mutex

	hits   int64
	misses int64
	stores int64
	clears int64
}

// NewBuildCache creates a cache holding up to projects slots. projectID is
// expected to be the absolute project path when persist is true.
func NewBuildCache(projects int, persist bool) *BuildCache {
	if projects <= 0 {
		projects = 64
	}
	slots, _ := lru.New[string, CacheEntry](projects)
	return &BuildCache{slots: slots, persist: persist}
}

// Lookup returns the project's entry if its fingerprint equals fp and the
// artifact is still on disk.
func (bc *BuildCache) Lookup(projectID string, fp fingerprint.Fingerprint) (CacheEntry, bool) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	entry, ok := bc.slots.Get(projectID)
	if !ok && bc.persist {
		if loaded, err := readManifest(projectID); err == nil {
			entry, ok = loaded, true
			bc.slots.Add(projectID, entry)
		}
	}

	if !ok || entry.Fingerprint != fp || !artifactExists(entry.ArtifactPath) {
		atomic.AddInt64(&bc.misses, 1)
		return CacheEntry{}, false
	}

	atomic.AddInt64(&bc.hits, 1)
	return entry, true
}

// Store replaces the project's slot with a new entry.
func (bc *BuildCache) Store(projectID string, fp fingerprint.Fingerprint, artifactPath string) CacheEntry {
	entry := CacheEntry{
		ProjectID:    projectID,
		Fingerprint:  fp,
		ArtifactPath: artifactPath,
		CreatedAt:    time.Now(),
	}

	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	bc.slots.Add(projectID, entry)
	atomic.AddInt64(&bc.stores, 1)

	if bc.persist {
		// A manifest that fails to write only costs a rebuild after restart.
		_ = writeManifest(projectID, entry)
	}

	return entry
}

// Clear drops the project's slot and its manifest. The artifact files are
// left in place; the next Store supersedes them.
func (bc *BuildCache) Clear(projectID string) error {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	bc.slots.Remove(projectID)
	atomic.AddInt64(&bc.clears, 1)

	if !bc.persist {
		return nil
	}
	err := os.Remove(manifestPath(projectID))
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.NewIOError(errors.ErrCodeInternalError, "remove cache manifest", err)
	}
	return nil
}

// Peek returns the project's entry without checking the fingerprint.
func (bc *BuildCache) Peek(projectID string) (CacheEntry, bool) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	return bc.slots.Peek(projectID)
}

// Stats returns cache counters.
func (bc *BuildCache) Stats() CacheStats {
	return CacheStats{
		Hits:    atomic.LoadInt64(&bc.hits),
		Misses:  atomic.LoadInt64(&bc.misses),
		Stores:  atomic.LoadInt64(&bc.stores),
		Clears:  atomic.LoadInt64(&bc.clears),
		Entries: bc.slots.Len(),
	}
}

func manifestPath(projectID string) string {
	return filepath.Join(projectID, filepath.FromSlash(ManifestFile))
}

func readManifest(projectID string) (CacheEntry, error) {
	data, err := os.ReadFile(manifestPath(projectID))
	if err != nil {
		return CacheEntry{}, err
	}
	var entry CacheEntry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return CacheEntry{}, err
	}
	// A manifest copied from another checkout is not ours.
	if entry.ProjectID != projectID {
		return CacheEntry{}, fs.ErrNotExist
	}
	return entry, nil
}

func writeManifest(projectID string, entry CacheEntry) error {
	path := manifestPath(projectID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func artifactExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
