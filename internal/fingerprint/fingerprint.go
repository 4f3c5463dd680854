// Package fingerprint computes a stable identity for the buildable inputs of
// a project directory.
//
// A Fingerprint is a SHA-256 over the sorted (relative path, content hash)
// pairs of every input file plus a helper version salt. Content hashes are
// memoised by path, modification time, change time, inode and size so
// unchanged files are not re-read between calls. Files touched within
// RacyWindow of a walk are never memoised: a same-size rewrite inside one
// timestamp tick would otherwise be indistinguishable from the cached state.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shinyobjectz/tav/internal/errors"
)

// Fingerprint identifies the state of a project's buildable inputs.
type Fingerprint string

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// RacyWindow is how far before a walk a file must have last changed for its
// hash to be memoised.
const RacyWindow = 2 * time.Second

// DefaultExcludedDirs are generated or tool-owned directories that must not
// feed back into the fingerprint.
var DefaultExcludedDirs = []string{".tav", ".godot", ".git", ".import"}

// DefaultExcludedFiles are files written by the exporter itself.
var DefaultExcludedFiles = []string{"export_presets.cfg"}

// Options configures a Fingerprinter.
type Options struct {
	// Salt is mixed into every fingerprint. Bump it when the injected helper
	// changes so previously cached artifacts are invalidated.
	Salt string
	// ExcludeDirs are relative directory paths skipped in addition to the
	// defaults and to any hidden entry.
	ExcludeDirs []string
	// MemoSize bounds the per-file hash memo. Zero means 4096.
	MemoSize int
	// Workers bounds concurrent file reads. Zero means GOMAXPROCS.
	Workers int
}

// Fingerprinter computes fingerprints. It is safe for concurrent use.
type Fingerprinter struct {
	salt        string
	excludeDirs map[string]bool
	memo        *lru.Cache[string, string]
	workers     int
	racyWindow  time.Duration
}

// New creates a Fingerprinter.
func New(opts Options) *Fingerprinter {
	size := opts.MemoSize
	if size <= 0 {
		size = 4096
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// lru.New only fails for a non-positive size.
	memo, _ := lru.New[string, string](size)

	exclude := make(map[string]bool)
	for _, d := range DefaultExcludedDirs {
		exclude[d] = true
	}
	for _, d := range opts.ExcludeDirs {
		d = filepath.ToSlash(filepath.Clean(d))
		if d != "." && d != "" {
			exclude[d] = true
		}
	}

	return &Fingerprinter{
		salt:        opts.Salt,
		excludeDirs: exclude,
		memo:        memo,
		workers:     workers,
		racyWindow:  RacyWindow,
	}
}

type fileEntry struct {
	rel  string
	abs  string
	info fs.FileInfo
	hash string
}

// Fingerprint walks root and returns the fingerprint of its buildable files.
// Any unreadable file or directory fails the whole call.
func (f *Fingerprinter) Fingerprint(ctx context.Context, root string) (Fingerprint, error) {
	racyAfter := time.Now().Add(-f.racyWindow).UnixNano()
	files, err := f.collect(root)
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i := range files {
		entry := &files[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := f.hashFile(entry, racyAfter)
			if err != nil {
				return errors.NewFingerprintError(entry.rel, err)
			}
			entry.hash = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	sum := sha256.New()
	fmt.Fprintf(sum, "salt\x00%s\x00", f.salt)
	for _, entry := range files {
		fmt.Fprintf(sum, "%s\x00%s\x00", entry.rel, entry.hash)
	}

	return Fingerprint(hex.EncodeToString(sum.Sum(nil))), nil
}

// Excluded reports whether rel (slash separated, relative to the project
// root) is outside the fingerprinted input set.
func (f *Fingerprinter) Excluded(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
		if f.excludeDirs[strings.Join(parts[:i+1], "/")] {
			return true
		}
	}
	base := parts[len(parts)-1]
	for _, name := range DefaultExcludedFiles {
		if base == name {
			return true
		}
	}
	return false
}

func (f *Fingerprinter) collect(root string) ([]fileEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.NewFingerprintError(root, err)
	}
	if !info.IsDir() {
		return nil, errors.NewFingerprintError(root, fmt.Errorf("not a directory"))
	}

	var files []fileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.NewFingerprintError(path, walkErr)
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.NewFingerprintError(path, err)
		}
		rel = filepath.ToSlash(rel)

		if f.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return errors.NewFingerprintError(rel, err)
		}
		files = append(files, fileEntry{rel: rel, abs: path, info: fi})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (f *Fingerprinter) hashFile(entry *fileEntry, racyAfter int64) (string, error) {
	mtime := entry.info.ModTime().UnixNano()
	ctime, ino := changeStamp(entry.info)
	racy := mtime >= racyAfter || ctime >= racyAfter

	key := fmt.Sprintf("%s:%d:%d:%d:%d", entry.abs, mtime, ctime, ino, entry.info.Size())
	if !racy {
		if h, ok := f.memo.Get(key); ok {
			return h, nil
		}
	}

	file, err := os.Open(entry.abs)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, file); err != nil {
		return "", err
	}
	h := hex.EncodeToString(sum.Sum(nil))

	if !racy {
		f.memo.Add(key, h)
	}
	return h, nil
}
