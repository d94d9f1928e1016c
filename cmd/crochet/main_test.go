package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// teddyDocument exports the teddy template into a temp dir and returns the
// path of its project file.
func teddyDocument(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out, err := run(t, "demo", "--template", "teddy", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "template teddy: 6 pieces, 5 connections")
	path := filepath.Join(dir, "teddy.c3d")
	require.FileExists(t, path)
	return path
}

func TestDemoExportsEveryFormat(t *testing.T) {
	path := teddyDocument(t)
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 7)
}

func TestDemoRejectsTemplateAboveTier(t *testing.T) {
	_, err := run(t, "demo", "--template", "dragon")
	assert.Error(t, err)
}

func TestValidatePrintsResult(t *testing.T) {
	path := teddyDocument(t)
	out, err := run(t, "validate", path)
	require.NoError(t, err)

	var got struct {
		Validation struct {
			Valid bool `json:"valid"`
		} `json:"validation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Validation.Valid)
}

func TestValidateMissingFile(t *testing.T) {
	_, err := run(t, "validate", filepath.Join(t.TempDir(), "nope.c3d"))
	assert.Error(t, err)
}

func TestExportSelectedFormats(t *testing.T) {
	path := teddyDocument(t)
	dir := t.TempDir()
	out, err := run(t, "export", path, "--format", "svg, csv", "--out", dir)
	require.NoError(t, err)
	assert.Equal(t, "teddy.svg\nteddy.csv\n", out)

	svg, err := os.ReadFile(filepath.Join(dir, "teddy.svg"))
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}

func TestImportSavesIntoConfiguredStorage(t *testing.T) {
	path := teddyDocument(t)
	cfgPath := filepath.Join(t.TempDir(), "crochet.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"tier:\n  name: pro\nstorage:\n  backend: sqlite\n  path: "+filepath.Join(t.TempDir(), "store.db")+"\n",
	), 0o644))

	out, err := run(t, "--config", cfgPath, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "saved ")

	_, err = run(t, "import", path)
	assert.Error(t, err, "freemium cannot save")
}

func TestInstructionsText(t *testing.T) {
	path := teddyDocument(t)
	out, err := run(t, "instructions", path, "--type", "materials", "--weight", "bulky")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = run(t, "instructions", path, "--weight", "string")
	assert.Error(t, err)
}

func TestYarnTotals(t *testing.T) {
	path := teddyDocument(t)
	out, err := run(t, "yarn", path, "--price", "5.00")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "#8b4513\t6 pieces"))
	assert.True(t, strings.HasPrefix(lines[1], "total\t"))

	_, err = run(t, "yarn", path, "--price", "cheap")
	assert.Error(t, err)
}
