package optimize

import (
	"bytes"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teekit/securestore/interfaces"
)

func newTestOptimizer(t *testing.T) *Optimizer {
	t.Helper()
	o, err := NewOptimizer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return o
}

func compressibleData() []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
}

func TestCompressRoundTrip(t *testing.T) {
	o := newTestOptimizer(t)
	data := compressibleData()

	algorithms := []interfaces.CompressionAlgorithm{
		interfaces.CompressionGzip,
		interfaces.CompressionZstd,
		interfaces.CompressionLzma,
	}
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			out, applied := o.Compress(data, interfaces.CompressionPolicy{
				Allowed:    true,
				Algorithms: []interfaces.CompressionAlgorithm{alg},
				CPUBudget:  time.Second,
			})
			require.Equal(t, alg, applied)
			assert.Less(t, len(out), len(data))

			back, err := o.Decompress(out, applied)
			require.NoError(t, err)
			assert.Equal(t, data, back)
		})
	}
}

func TestCompressDisallowedByPolicy(t *testing.T) {
	o := newTestOptimizer(t)
	data := compressibleData()

	out, alg := o.Compress(data, interfaces.CompressionPolicy{Allowed: false})
	assert.Equal(t, interfaces.CompressionNone, alg)
	assert.Equal(t, data, out)
}

func TestCompressSkipsIncompressibleData(t *testing.T) {
	o := newTestOptimizer(t)

	data := make([]byte, 16*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	out, alg := o.Compress(data, interfaces.CompressionPolicy{Allowed: true})
	assert.Equal(t, interfaces.CompressionNone, alg)
	assert.Equal(t, data, out)
}

func TestCompressSkipsTinyPayloads(t *testing.T) {
	o := newTestOptimizer(t)

	out, alg := o.Compress([]byte("tiny"), interfaces.CompressionPolicy{Allowed: true})
	assert.Equal(t, interfaces.CompressionNone, alg)
	assert.Equal(t, []byte("tiny"), out)
}

func TestSelectAlgorithmRespectsBudget(t *testing.T) {
	o := newTestOptimizer(t)

	// Default budget is too small for lzma; zstd wins.
	alg := o.selectAlgorithm(nil, DefaultCPUBudget)
	assert.Equal(t, interfaces.CompressionZstd, alg)

	// A generous budget prefers lzma's ratio.
	alg = o.selectAlgorithm(nil, time.Second)
	assert.Equal(t, interfaces.CompressionLzma, alg)

	// Policy restriction overrides preference order.
	alg = o.selectAlgorithm([]interfaces.CompressionAlgorithm{interfaces.CompressionGzip}, time.Second)
	assert.Equal(t, interfaces.CompressionGzip, alg)
}

func TestDecompressUnknownAlgorithm(t *testing.T) {
	o := newTestOptimizer(t)
	_, err := o.Decompress([]byte("data"), interfaces.CompressionAlgorithm("snappy"))
	require.Error(t, err)
}

func TestEstimatedRatio(t *testing.T) {
	constant := bytes.Repeat([]byte{0x41}, 4096)
	assert.True(t, estimatedRatio(constant) > 4)

	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)
	assert.Less(t, estimatedRatio(random), 1.1)
}
