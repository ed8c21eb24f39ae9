package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stickypool.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestValidateCommand(t *testing.T) {
	file := writeConfig(t, `
services:
  web:
    entry_point: echo
    workers: 2
    sticky:
      - port: 7000
`)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", file})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "web: entry_point=echo workers=2 sticky=[:7000]")
	assert.Contains(t, out.String(), "configuration OK")
}

func TestValidateCommand_UnknownEntryPoint(t *testing.T) {
	file := writeConfig(t, `
services:
  web:
    entry_point: nope
    sticky:
      - port: 7000
`)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", file})
	assert.ErrorContains(t, cmd.Execute(), "unknown entry point")
}

func TestInitCommand(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf", "stickypool.yaml")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--config", file})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wrote "+file)

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", file})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "echo: entry_point=echo workers=2 sticky=[:7000]")

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"init", "--config", file})
	assert.ErrorContains(t, cmd.Execute(), "already exists")

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"init", "--config", file, "--force"})
	assert.NoError(t, cmd.Execute())
}

func TestWorkerCommandIsHidden(t *testing.T) {
	cmd := newRootCmd()
	w, _, err := cmd.Find([]string{"worker"})
	require.NoError(t, err)
	assert.True(t, w.Hidden)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, "exit status 1", exitCode(1).Error())
}
