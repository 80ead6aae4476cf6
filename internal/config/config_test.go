package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticekv/lattice/internal/wal"
)

func TestDefaultPassesValidation(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseMergesOverDefaults(t *testing.T) {
	opts, err := Parse([]byte(`
page_size: 8192
commit_policy: HARD
volume_specification:
  path: /data/primary.vol
  create_if_missing: true
`))
	require.NoError(t, err)
	require.Equal(t, 8192, opts.PageSize)
	require.Equal(t, wal.CommitHard, opts.CommitPolicyResolved())
	require.Equal(t, "/data/primary.vol", opts.VolumeSpecification.Path)
	require.True(t, opts.VolumeSpecification.CreateIfMissing)
	require.Equal(t, Default().CheckpointInterval, opts.CheckpointInterval)
}

func TestRejectsUnsupportedPageSize(t *testing.T) {
	_, err := Parse([]byte(`page_size: 3000`))
	require.Error(t, err)
}

func TestRejectsUnknownCommitPolicy(t *testing.T) {
	_, err := Parse([]byte(`commit_policy: WEIRD`))
	require.Error(t, err)
}

func TestRejectsMissingBufferSizing(t *testing.T) {
	data := []byte(`
page_size: 4096
buffer_count: 0
buffer_memory: 0
`)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestResolvedBufferCountFromMemory(t *testing.T) {
	opts := Default()
	opts.BufferCount = 0
	opts.BufferMemory = 4096 * 100
	require.Equal(t, 100, opts.ResolvedBufferCount())
}

func TestRejectsOutOfRangeLongValueFraction(t *testing.T) {
	_, err := Parse([]byte(`long_value_fraction: 1.5`))
	require.Error(t, err)
}
