package snapshot

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incredibeau/specific-affinity/internal/resolve"
)

func exportedState(t *testing.T) *resolve.ExportedState {
	t.Helper()
	e, err := resolve.NewEngine(resolve.Config{SimilarityThreshold: 0.5, MinTokenLength: 2})
	require.NoError(t, err)
	_, err = e.Build(context.Background(), []resolve.Record{
		{ID: "t1", Text: "NETFLIX.COM 866-579-7172"},
		{ID: "t3", Text: "Netflix.com 866-579-7172 CA"},
		{ID: "t5", Text: "SHELL OIL 574477900"},
	})
	require.NoError(t, err)
	st := e.Export()
	require.NotNil(t, st)
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := exportedState(t)

	require.NoError(t, Save(dir, "vendors", st))

	loaded, err := Load(dir, "vendors")
	require.NoError(t, err)
	assert.Equal(t, st.Config, loaded.Config)
	assert.Equal(t, st.State, loaded.State)
	assert.Equal(t, st.Clusters, loaded.Clusters)
	assert.Equal(t, st.Weights, loaded.Weights)
	assert.Equal(t, st.Index, loaded.Index)

	restored, err := resolve.Restore(loaded)
	require.NoError(t, err)
	assert.Equal(t, "built", restored.State())
}

func TestSaveLoadKeepsEmptyStopWords(t *testing.T) {
	// An explicit empty stop-word list disables filtering; the round trip
	// must not collapse it to nil, which would mean the default list.
	dir := t.TempDir()
	e, err := resolve.NewEngine(resolve.Config{
		SimilarityThreshold: 0.5,
		StopWords:           []string{},
		MinTokenLength:      2,
	})
	require.NoError(t, err)
	_, err = e.Build(context.Background(), []resolve.Record{
		{ID: "t1", Text: "THE ALPHA INC 11"},
		{ID: "t2", Text: "THE ALPHA INC 12"},
		{ID: "t3", Text: "THE BETA LLC"},
	})
	require.NoError(t, err)

	require.NoError(t, Save(dir, "vendors", e.Export()))
	loaded, err := Load(dir, "vendors")
	require.NoError(t, err)
	require.NotNil(t, loaded.Config.StopWords)
	assert.Empty(t, loaded.Config.StopWords)
}

func TestSaveReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	st := exportedState(t)
	require.NoError(t, Save(dir, "vendors", st))

	st.ReconcileSeq = 9
	require.NoError(t, Save(dir, "vendors", st))

	loaded, err := Load(dir, "vendors")
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.ReconcileSeq)
}

func TestSaveNilState(t *testing.T) {
	assert.Error(t, Save(t.TempDir(), "vendors", nil))
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir(), "absent")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, "vendors", exportedState(t)))
	path := Path(dir, "vendors")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("FlippedBodyByte", func(t *testing.T) {
		bad := make([]byte, len(data))
		copy(bad, data)
		bad[HeaderSize+4] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0o644))
		_, err := Load(dir, "vendors")
		assert.ErrorContains(t, err, "checksum")
	})

	t.Run("BadMagic", func(t *testing.T) {
		bad := make([]byte, len(data))
		copy(bad, data)
		bad[0] ^= 0xff
		require.NoError(t, os.WriteFile(path, bad, 0o644))
		_, err := Load(dir, "vendors")
		assert.ErrorContains(t, err, "magic")
	})

	t.Run("Truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data[:HeaderSize+FooterSize-1], 0o644))
		_, err := Load(dir, "vendors")
		assert.ErrorContains(t, err, "truncated")
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))
		_, err := Load(dir, "vendors")
		assert.ErrorContains(t, err, "size mismatch")
	})
}

func TestListAndRemove(t *testing.T) {
	dir := t.TempDir()
	st := exportedState(t)
	require.NoError(t, Save(dir, "vendors", st))
	require.NoError(t, Save(dir, "customers", st))
	require.NoError(t, os.WriteFile(Path(dir, "junk")+".bak", []byte("x"), 0o644))

	names, err := List(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vendors", "customers"}, names)

	require.NoError(t, Remove(dir, "vendors"))
	names, err = List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, names)

	// Removing a missing snapshot is not an error.
	require.NoError(t, Remove(dir, "vendors"))
}

func TestListMissingDir(t *testing.T) {
	names, err := List(t.TempDir() + "/nope")
	require.NoError(t, err)
	assert.Nil(t, names)
}
