package watcher

import (
	"path/filepath"
	"strings"
)

// ProjectFilter accepts buildable files under root: it rejects hidden paths
// (which covers .tav, .godot and .git), the exporter's own
// export_presets.cfg, and any extension outside exts.
func ProjectFilter(root string, exts []string) FileFilter {
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}

	return func(path string) bool {
		rel, err := filepath.Rel(absRoot, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false
		}
		if !NoHiddenFilter(rel) {
			return false
		}
		if filepath.Base(path) == "export_presets.cfg" {
			return false
		}
		return allowed[strings.ToLower(filepath.Ext(path))]
	}
}

// NoHiddenFilter rejects paths with any dot-prefixed component.
func NoHiddenFilter(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return false
		}
	}
	return true
}

// ExtensionFilter accepts files whose extension is in exts.
func ExtensionFilter(exts ...string) FileFilter {
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}
	return func(path string) bool {
		return allowed[strings.ToLower(filepath.Ext(path))]
	}
}
