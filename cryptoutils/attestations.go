package cryptoutils

import (
	"context"
	"fmt"
	"sync"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"

	"github.com/teekit/securestore/interfaces"
)

// DCAPAttestationProvider reads the enclave measurement from the platform's
// TDX quoting mechanism. It prefers the configfs interface and falls back to
// the quote device.
type DCAPAttestationProvider struct {
	mu     sync.Mutex
	cached interfaces.Measurement
}

// CurrentMeasurement obtains a fresh quote and extracts the MRTD register.
// The measurement is cached after the first successful read; a TD's MRTD is
// fixed for its lifetime.
func (p *DCAPAttestationProvider) CurrentMeasurement(ctx context.Context) (interfaces.Measurement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached, nil
	}

	rawQuote, err := fetchRawQuote([64]byte{})
	if err != nil {
		return nil, fmt.Errorf("obtaining TDX quote: %w", err)
	}

	m, err := measurementFromQuote(rawQuote)
	if err != nil {
		return nil, err
	}

	p.cached = m
	return m, nil
}

// Verify checks a stored measurement against the platform's current one.
func (p *DCAPAttestationProvider) Verify(ctx context.Context, m interfaces.Measurement) (bool, error) {
	current, err := p.CurrentMeasurement(ctx)
	if err != nil {
		return false, err
	}
	return current.Equal(m), nil
}

func fetchRawQuote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

func measurementFromQuote(rawQuote []byte) (interfaces.Measurement, error) {
	protoQuote, err := tdx_abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	m := make(interfaces.Measurement, len(v4Quote.TdQuoteBody.MrTd))
	copy(m, v4Quote.TdQuoteBody.MrTd)
	return m, nil
}

// StaticAttestationProvider reports a fixed measurement. It backs tests and
// development deployments without TEE hardware; the measurement can be
// swapped to exercise measurement-change behavior.
type StaticAttestationProvider struct {
	mu          sync.RWMutex
	measurement interfaces.Measurement
}

// NewStaticAttestationProvider creates a provider reporting the given
// measurement.
func NewStaticAttestationProvider(m interfaces.Measurement) *StaticAttestationProvider {
	cp := make(interfaces.Measurement, len(m))
	copy(cp, m)
	return &StaticAttestationProvider{measurement: cp}
}

// CurrentMeasurement returns the configured measurement.
func (p *StaticAttestationProvider) CurrentMeasurement(ctx context.Context) (interfaces.Measurement, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.measurement, nil
}

// Verify compares against the configured measurement.
func (p *StaticAttestationProvider) Verify(ctx context.Context, m interfaces.Measurement) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.measurement.Equal(m), nil
}

// SetMeasurement replaces the reported measurement, simulating an enclave
// upgrade.
func (p *StaticAttestationProvider) SetMeasurement(m interfaces.Measurement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(interfaces.Measurement, len(m))
	copy(cp, m)
	p.measurement = cp
}
