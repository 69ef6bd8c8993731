// Package optimize decides whether and how to compress payloads before
// encryption. Compression must happen before encryption or not at all;
// ciphertext is incompressible.
package optimize

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"

	"github.com/teekit/securestore/interfaces"
)

const (
	// DefaultMinRatio is the estimated compression ratio below which
	// compression is skipped.
	DefaultMinRatio = 1.2

	// DefaultCPUBudget bounds time spent compressing a single payload.
	DefaultCPUBudget = 2 * time.Millisecond

	// minCompressSize skips compression for payloads where header overhead
	// would dominate.
	minCompressSize = 64

	// lzmaBudgetFloor is the minimum CPU budget at which lzma is considered.
	// Below it only the fast codecs compete.
	lzmaBudgetFloor = 50 * time.Millisecond
)

// Optimizer selects and applies a compression strategy per payload. The zstd
// encoder and decoder are stateless in EncodeAll/DecodeAll mode and shared
// across calls.
type Optimizer struct {
	zenc *zstd.Encoder
	zdec *zstd.Decoder
	log  *slog.Logger
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(log *slog.Logger) (*Optimizer, error) {
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Optimizer{zenc: zenc, zdec: zdec, log: log}, nil
}

// Compress applies the best allowed strategy under the policy. It returns the
// (possibly unchanged) payload and the algorithm actually applied. A result
// that is not strictly smaller than the input is discarded; storing is never
// blocked on a compression failure, only logged.
func (o *Optimizer) Compress(data []byte, policy interfaces.CompressionPolicy) ([]byte, interfaces.CompressionAlgorithm) {
	if !policy.Allowed || len(data) < minCompressSize {
		return data, interfaces.CompressionNone
	}

	minRatio := policy.MinRatio
	if minRatio <= 0 {
		minRatio = DefaultMinRatio
	}
	budget := policy.CPUBudget
	if budget <= 0 {
		budget = DefaultCPUBudget
	}

	// Entropy-based estimate: near-random payloads (already compressed or
	// encrypted upstream) are not worth a compression pass at all.
	if est := estimatedRatio(data); est < minRatio {
		return data, interfaces.CompressionNone
	}

	alg := o.selectAlgorithm(policy.Algorithms, budget)
	if alg == interfaces.CompressionNone {
		return data, interfaces.CompressionNone
	}

	compressed, err := o.apply(alg, data)
	if err != nil {
		o.log.Warn("Compression failed, storing uncompressed", "algorithm", alg, "err", err)
		return data, interfaces.CompressionNone
	}
	if len(compressed) >= len(data) {
		return data, interfaces.CompressionNone
	}
	if ratio := float64(len(data)) / float64(len(compressed)); ratio < minRatio {
		return data, interfaces.CompressionNone
	}
	return compressed, alg
}

// Decompress reverses a compression pass. Unlike Compress it is on the read
// path's critical section and its failures surface as errors.
func (o *Optimizer) Decompress(data []byte, alg interfaces.CompressionAlgorithm) ([]byte, error) {
	switch alg {
	case interfaces.CompressionNone:
		return data, nil
	case interfaces.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case interfaces.CompressionZstd:
		return o.zdec.DecodeAll(data, nil)
	case interfaces.CompressionLzma:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("lzma reader: %w", err)
		}
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", alg)
	}
}

// selectAlgorithm picks the preferred codec allowed by the policy. zstd wins
// whenever permitted; lzma trades CPU for ratio and only competes when the
// budget allows.
func (o *Optimizer) selectAlgorithm(allowed []interfaces.CompressionAlgorithm, budget time.Duration) interfaces.CompressionAlgorithm {
	permitted := func(alg interfaces.CompressionAlgorithm) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == alg {
				return true
			}
		}
		return false
	}

	order := []interfaces.CompressionAlgorithm{interfaces.CompressionZstd, interfaces.CompressionGzip}
	if budget >= lzmaBudgetFloor {
		order = []interfaces.CompressionAlgorithm{interfaces.CompressionLzma, interfaces.CompressionZstd, interfaces.CompressionGzip}
	}
	for _, alg := range order {
		if permitted(alg) {
			return alg
		}
	}
	return interfaces.CompressionNone
}

func (o *Optimizer) apply(alg interfaces.CompressionAlgorithm, data []byte) ([]byte, error) {
	switch alg {
	case interfaces.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case interfaces.CompressionZstd:
		return o.zenc.EncodeAll(data, nil), nil
	case interfaces.CompressionLzma:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", alg)
	}
}

// estimatedRatio predicts the achievable compression ratio from the payload's
// byte-level Shannon entropy. It samples at most the first 64KiB.
func estimatedRatio(data []byte) float64 {
	sample := data
	if len(sample) > 64*1024 {
		sample = sample[:64*1024]
	}

	var hist [256]int
	for _, b := range sample {
		hist[b]++
	}

	var entropy float64
	n := float64(len(sample))
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	if entropy <= 0 {
		// Constant payload, maximally compressible.
		return math.Inf(1)
	}
	return 8.0 / entropy
}
