package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesDefaults(t *testing.T) {
	cfg := New("/ws", "", "", "")
	assert.Equal(t, "/ws", cfg.WorkspacePath)
	assert.Equal(t, DefaultEmbedderURL, cfg.EmbedderURL)
	assert.Equal(t, DefaultEmbedderModel, cfg.EmbedderModel)
	assert.Equal(t, "/ws/.void/index.lance", cfg.DBPath)
}

func TestNewHonorsOverrides(t *testing.T) {
	cfg := New("/ws", "http://localhost:9999", "custom-model", "/elsewhere/db")
	assert.Equal(t, "http://localhost:9999", cfg.EmbedderURL)
	assert.Equal(t, "custom-model", cfg.EmbedderModel)
	assert.Equal(t, "/elsewhere/db", cfg.DBPath)
}

func TestConfigEqual(t *testing.T) {
	a := New("/ws", "", "", "")
	b := New("/ws", "", "", "")
	c := New("/ws", "http://other", "", "")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestIsEligibleExtension(t *testing.T) {
	assert.True(t, IsEligibleExtension("main.go"))
	assert.True(t, IsEligibleExtension("/a/b/c.TS"))
	assert.False(t, IsEligibleExtension("README.md"))
	assert.False(t, IsEligibleExtension("noext"))
}

func TestIsExcluded(t *testing.T) {
	assert.True(t, IsExcluded("/repo/node_modules/pkg/index.js"))
	assert.True(t, IsExcluded("repo/.git/HEAD"))
	assert.False(t, IsExcluded("repo/src/main.go"))
}

func TestLanguageForExtension(t *testing.T) {
	assert.Equal(t, "python", LanguageForExtension("a/b.py"))
	assert.Equal(t, "rust", LanguageForExtension("lib.rs"))
	assert.Equal(t, "lua", LanguageForExtension("script.lua"))
}
