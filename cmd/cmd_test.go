package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilsor/dilsor/serv"
)

func TestBuildDetails(t *testing.T) {
	assert.Contains(t, BuildDetails(), "unknown version")

	version = "1.2.3"
	commit = "abc1234"
	defer func() { version, commit = "", "" }()

	out := BuildDetails()
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc1234")
}

func TestNewLoggerWithOutput(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithOutput(true, zapWriter{&buf})
	l.Sugar().Infow("hello", "k", "v")
	require.NoError(t, l.Sync())

	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"level":"info"`)
}

type zapWriter struct{ *bytes.Buffer }

func (zapWriter) Sync() error { return nil }

func TestCmdNewScaffold(t *testing.T) {
	dir := t.TempDir()

	log = newLogger(false).Sugar()
	cpath = dir
	defer func() { cpath = "./config"; conf = nil }()

	cmdNew(&cobra.Command{}, []string{"shopdb"})

	for _, fn := range []string{"dev.yml", "prod.yml"} {
		_, err := os.Stat(filepath.Join(dir, fn))
		require.NoError(t, err, fn)
	}

	c, err := serv.ReadInConfig(filepath.Join(dir, "dev"))
	require.NoError(t, err)
	assert.Equal(t, "Shopdb Development", c.AppName)
	assert.Equal(t, "shopdb.db", c.StorePath)
	assert.Contains(t, c.Databases, "main")
	assert.Equal(t, "shopdb_development", c.Databases["main"].Database)

	// a second run must not clobber existing files
	cmdNew(&cobra.Command{}, []string{"other"})
	c2, err := serv.ReadInConfig(filepath.Join(dir, "dev"))
	require.NoError(t, err)
	assert.Equal(t, "Shopdb Development", c2.AppName)
}

func TestCmdNewProdInherits(t *testing.T) {
	dir := t.TempDir()

	log = newLogger(false).Sugar()
	cpath = dir
	defer func() { cpath = "./config"; conf = nil }()

	cmdNew(&cobra.Command{}, []string{"shopdb"})

	c, err := serv.ReadInConfig(filepath.Join(dir, "prod"))
	require.NoError(t, err)
	assert.Equal(t, "Shopdb Production", c.AppName)
	assert.True(t, c.Production)
	// inherited from dev
	assert.Equal(t, "shopdb.db", c.StorePath)
}
