package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timetable = `
version: 1
meta:
  namespace: demo
tasks:
  - meta:
      id: a
    on:
      schedule:
        - cron: "0 * * * * *"
    steps:
      - uses: entrypoint
        run: noop
  - meta:
      id: broken
    on:
      schedule:
        - cron: "never"
    steps:
      - uses: entrypoint
        run: noop
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "supertask dev")
}

func TestSeedPrintsReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timetable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(timetable), 0o644))

	out, err := execute(t, "seed", path, "--store-address", "memory://")
	require.Error(t, err, "an invalid task fails the command")
	assert.Contains(t, out, "namespace demo")
	assert.Contains(t, out, "added     a")
	assert.Contains(t, out, "broken")
}

func TestSeedRequiresStore(t *testing.T) {
	t.Setenv("ST_STORE_ADDRESS", "")
	path := filepath.Join(t.TempDir(), "timetable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(timetable), 0o644))

	_, err := execute(t, "seed", path, "--store-address", "")
	assert.ErrorContains(t, err, "store address is required")
}
