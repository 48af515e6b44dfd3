package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dummyImpl() interface{} {
	return func() {}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	_, err := r.Register(KindStrategy, "gemini", Descriptor{
		Description: "LLM-backed optimization proposals",
		Impl:        dummyImpl(),
		Options:     Options{"temperature": 0.2},
	})
	require.NoError(t, err)

	desc, err := r.Lookup(KindStrategy, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", desc.Name)
	assert.Equal(t, KindStrategy, desc.Kind)
	assert.Equal(t, 0.2, desc.Options["temperature"])
}

func TestDuplicateRegistrationKeepsOriginal(t *testing.T) {
	r := New()
	_, err := r.Register(KindEvaluator, "gemini", Descriptor{
		Description: "original",
		Impl:        dummyImpl(),
	})
	require.NoError(t, err)

	_, err = r.Register(KindEvaluator, "gemini", Descriptor{
		Description: "impostor",
		Impl:        dummyImpl(),
	})
	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, KindEvaluator, dup.Kind)
	assert.Equal(t, "gemini", dup.Name)

	desc, err := r.Lookup(KindEvaluator, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "original", desc.Description)
}

func TestSameNameDifferentKindAllowed(t *testing.T) {
	r := New()
	_, err := r.Register(KindStrategy, "gemini", Descriptor{Impl: dummyImpl()})
	require.NoError(t, err)
	_, err = r.Register(KindEvaluator, "gemini", Descriptor{Impl: dummyImpl()})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup(KindAnalyzer, "missing")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, KindAnalyzer, nf.Kind)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New()
	_, err := r.Register(Kind("widget"), "x", Descriptor{Impl: dummyImpl()})
	assert.Error(t, err)
	_, err = r.Register(KindAnalyzer, "", Descriptor{Impl: dummyImpl()})
	assert.Error(t, err)
	_, err = r.Register(KindAnalyzer, "nil-impl", Descriptor{})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestListSortedAndRestartable(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(KindAnalyzer, name, Descriptor{Impl: dummyImpl()})
		require.NoError(t, err)
	}
	_, err := r.Register(KindStrategy, "other-kind", Descriptor{Impl: dummyImpl()})
	require.NoError(t, err)

	first := r.List(KindAnalyzer)
	second := r.List(KindAnalyzer)
	require.Len(t, first, 3)
	assert.Equal(t, "alpha", first[0].Name)
	assert.Equal(t, "mid", first[1].Name)
	assert.Equal(t, "zeta", first[2].Name)
	// Fresh copy each call.
	first[0] = nil
	assert.NotNil(t, second[0])
}

func TestOptionsMerge(t *testing.T) {
	defaults := Options{"temperature": 0.2, "max_tokens": 1024}

	merged, err := defaults.Merge(Options{"temperature": 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.9, merged["temperature"])
	assert.Equal(t, 1024, merged["max_tokens"])
	// Defaults untouched.
	assert.Equal(t, 0.2, defaults["temperature"])

	_, err = defaults.Merge(Options{"temprature": 0.9})
	assert.Error(t, err)
}
