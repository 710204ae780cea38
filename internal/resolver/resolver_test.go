package resolver

import (
	"fmt"
	"strings"
	"testing"

	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registry builds a registry from "name:dep1,dep2" declarations.
func registry(t *testing.T, decls ...string) *formula.Registry {
	t.Helper()
	var b strings.Builder
	for _, decl := range decls {
		name, deps, _ := strings.Cut(decl, ":")
		var quoted []string
		if deps != "" {
			for _, d := range strings.Split(deps, ",") {
				quoted = append(quoted, fmt.Sprintf("%q", d))
			}
		}
		fmt.Fprintf(&b, `formula %q {
  depends_on = [%s]
  source {
    url    = "file:///src/%s.tar"
    sha256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
  }
}
`, name, strings.Join(quoted, ", "), name)
	}
	reg, err := formula.NewRegistryFromHCL("test.hcl", []byte(b.String()))
	require.NoError(t, err)
	return reg
}

func names(fs []*formula.Formula) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

func TestResolve_DependenciesFirst(t *testing.T) {
	reg := registry(t, "grub:gcc,binutils", "gcc:binutils", "binutils")

	order, err := Resolve(reg, "grub")
	require.NoError(t, err)
	assert.Equal(t, []string{"binutils", "gcc", "grub"}, names(order))
}

func TestResolve_DeterministicTieBreak(t *testing.T) {
	reg := registry(t, "zlib", "gmp", "mpfr:gmp", "libmpc:gmp,mpfr", "expat")

	for i := 0; i < 20; i++ {
		order, err := Resolve(reg)
		require.NoError(t, err)
		assert.Equal(t, []string{"zlib", "gmp", "mpfr", "libmpc", "expat"}, names(order))
	}
}

func TestResolve_SubsetIgnoresUnrelatedFormulas(t *testing.T) {
	reg := registry(t, "binutils", "gcc:binutils", "broken:nonexistent", "loop-a:loop-b", "loop-b:loop-a")

	order, err := Resolve(reg, "GCC")
	require.NoError(t, err)
	assert.Equal(t, []string{"binutils", "gcc"}, names(order))
}

func TestResolve_UnknownDependency(t *testing.T) {
	reg := registry(t, "gcc:binutils,gmp", "binutils")

	_, err := Resolve(reg, "gcc")
	var unknown *UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "gcc", unknown.Formula)
	assert.Equal(t, "gmp", unknown.Dependency)

	_, err = Resolve(reg, "nope")
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "", unknown.Formula)
	assert.Equal(t, "nope", unknown.Dependency)
}

func TestResolve_CycleNamesEveryMember(t *testing.T) {
	reg := registry(t, "a:b", "b:c", "c:a", "d")

	_, err := Resolve(reg)
	var cyclic *CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cyclic.Cycle)
	assert.EqualError(t, err, "dependency cycle: a -> b -> c -> a")
}

func TestDependents(t *testing.T) {
	reg := registry(t, "binutils", "gcc:binutils", "grub:gcc,binutils", "zlib")

	assert.Equal(t, []string{"gcc", "grub"}, Dependents(reg, "binutils"))
	assert.Empty(t, Dependents(reg, "zlib"))
}
