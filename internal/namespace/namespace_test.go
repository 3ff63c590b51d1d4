package namespace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supertask/internal/errors"
)

func TestDeriveIsStable(t *testing.T) {
	p := Provenance{Host: "build-01", User: "ops", Resource: "https://example.org/tasks.yaml"}
	a := Derive(p)
	assert.Equal(t, a, Derive(p))
	assert.Len(t, a, 32)
	assert.NoError(t, Validate(a))
}

func TestDeriveSeparatesContexts(t *testing.T) {
	base := Provenance{Host: "h", User: "u", Resource: "r"}
	variants := []Provenance{
		{Host: "h2", User: "u", Resource: "r"},
		{Host: "h", User: "u2", Resource: "r"},
		{Host: "h", User: "u", Resource: "r2"},
		// field boundaries must not be ambiguous
		{Host: "hu", User: "", Resource: "r"},
	}
	seen := map[string]bool{Derive(base): true}
	for _, v := range variants {
		ns := Derive(v)
		assert.False(t, seen[ns], "collision for %+v", v)
		seen[ns] = true
	}
}

func TestDeriveCanonicalizesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	rel := Derive(Provenance{Host: "h", User: "u", Resource: "tasks.yaml"})
	abs := Derive(Provenance{Host: "h", User: "u", Resource: path})
	assert.Equal(t, abs, rel)

	assert.Equal(t,
		Derive(Provenance{Host: "h", User: "u", Resource: Global}),
		Derive(Provenance{Host: "h", User: "u"}))
}

func TestValidate(t *testing.T) {
	for _, ns := range []string{"default", "team-a", "prod.eu_1", "a:b", "0"} {
		assert.NoError(t, Validate(ns), ns)
	}
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	for _, ns := range []string{"", "-lead", ".hidden", "with space", "slash/ns", string(long)} {
		err := Validate(ns)
		assert.True(t, errors.Is(err, errors.ErrInvalidNamespace), "%q: %v", ns, err)
	}
}

func TestResolvePrecedence(t *testing.T) {
	p := Provenance{Host: "h", User: "u", Resource: "r"}

	ns, err := Resolve("flag", "doc", p)
	require.NoError(t, err)
	assert.Equal(t, "flag", ns)

	ns, err = Resolve("", "doc", p)
	require.NoError(t, err)
	assert.Equal(t, "doc", ns)

	ns, err = Resolve("  ", "", p)
	require.NoError(t, err)
	assert.Equal(t, Derive(p), ns)

	_, err = Resolve("bad ns", "doc", p)
	assert.True(t, errors.Is(err, errors.ErrInvalidNamespace))
}
