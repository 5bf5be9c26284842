// Package config holds the daemon's immutable configuration, established
// once by the initialize RPC and read by every other component thereafter.
package config

import (
	"path/filepath"
	"strings"
)

const (
	// DefaultEmbedderURL is the localhost embedding service address.
	DefaultEmbedderURL = "http://localhost:11434"
	// DefaultEmbedderModel is the model name sent with every embed request.
	DefaultEmbedderModel = "nomic-embed-text"
	// defaultDBDirName is the directory under the workspace holding daemon state.
	defaultDBDirName = ".void"
	// defaultDBName is the vector store directory name within defaultDBDirName.
	defaultDBName = "index.lance"
)

// Config is the daemon's process-wide configuration. It is created once by
// initialize and never mutated afterward; every field is read-only from the
// perspective of every other package.
type Config struct {
	WorkspacePath string
	EmbedderURL   string
	EmbedderModel string
	DBPath        string
}

// New builds a Config from initialize params, applying defaults for any
// empty optional field. workspacePath must already be absolute.
func New(workspacePath, embedderURL, embedderModel, dbPath string) Config {
	cfg := Config{
		WorkspacePath: workspacePath,
		EmbedderURL:   embedderURL,
		EmbedderModel: embedderModel,
		DBPath:        dbPath,
	}
	if cfg.EmbedderURL == "" {
		cfg.EmbedderURL = DefaultEmbedderURL
	}
	if cfg.EmbedderModel == "" {
		cfg.EmbedderModel = DefaultEmbedderModel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(workspacePath, defaultDBDirName, defaultDBName)
	}
	return cfg
}

// Equal reports whether two configs describe the same daemon setup. Used by
// initialize to decide between idempotent-success and AlreadyInitialized.
func (c Config) Equal(other Config) bool {
	return c.WorkspacePath == other.WorkspacePath &&
		c.EmbedderURL == other.EmbedderURL &&
		c.EmbedderModel == other.EmbedderModel &&
		c.DBPath == other.DBPath
}

// EligibleExtensions is the set of file extensions (without the leading dot)
// the daemon will index. Anything else is skipped by the watcher and by
// indexFile.
var EligibleExtensions = map[string]struct{}{
	"rs": {}, "ts": {}, "tsx": {}, "js": {}, "jsx": {}, "py": {}, "java": {},
	"c": {}, "cpp": {}, "h": {}, "hpp": {}, "go": {}, "rb": {}, "php": {},
	"swift": {}, "kt": {}, "scala": {}, "cs": {}, "dart": {}, "lua": {},
	"r": {}, "sh": {}, "bash": {}, "zsh": {}, "fish": {},
}

// ExcludedDirs is the set of directory names that, as any path segment,
// exclude a file or subtree from watching and indexing.
var ExcludedDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "target": {}, "dist": {}, "build": {}, ".void": {},
}

// IsEligibleExtension reports whether path's extension is in the
// eligible-extension set.
func IsEligibleExtension(path string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	_, ok := EligibleExtensions[strings.ToLower(ext)]
	return ok
}

// IsExcluded reports whether path has any segment in the excluded-directory
// set. path may be relative or absolute; segments are matched exactly.
func IsExcluded(path string) bool {
	normalized := filepath.ToSlash(path)
	for _, segment := range strings.Split(normalized, "/") {
		if _, ok := ExcludedDirs[segment]; ok {
			return true
		}
	}
	return false
}

// LanguageForExtension derives a chunker language identifier from a file's
// extension, or returns the literal extension if it has no special name.
func LanguageForExtension(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}
	return ext
}

var extensionLanguages = map[string]string{
	"rs":   "rust",
	"ts":   "typescript",
	"tsx":  "tsx",
	"js":   "javascript",
	"jsx":  "jsx",
	"py":   "python",
	"java": "java",
	"c":    "c",
	"cpp":  "cpp",
	"h":    "c",
	"hpp":  "cpp",
	"go":   "go",
	"rb":   "ruby",
	"php":  "php",
	"kt":   "kotlin",
	"cs":   "csharp",
	"sh":   "shell",
	"bash": "shell",
	"zsh":  "shell",
	"fish": "shell",
}
