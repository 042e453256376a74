// Package tdx produces and checks the TDX quotes carried by TEE-attested
// settlement proofs.
package tdx

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-tdx-guest/abi"
	"github.com/google/go-tdx-guest/client"
	proto_checkconfig "github.com/google/go-tdx-guest/proto/checkconfig"
	proto "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/validate"
	"github.com/google/go-tdx-guest/verify"
)

// Attestation types.
const (
	TypeDCAP  = "dcap-tdx"
	TypeDummy = "dummy-tdx"
)

// Provider binds 64 bytes of report data into a quote and verifies quotes.
type Provider interface {
	AttestationType() string
	Attest(ctx context.Context, reportData [64]byte) ([]byte, error)
	Verify(quote []byte, expectedReportData [64]byte) (Measurements, error)
}

// NewProvider returns the provider for attestationType. remoteURL selects
// the remote quote service for dcap-tdx; empty uses the local device.
func NewProvider(attestationType, remoteURL string) (Provider, error) {
	switch attestationType {
	case TypeDummy:
		return &DummyProvider{}, nil
	case TypeDCAP:
		if remoteURL != "" {
			return &RemoteDCAPProvider{URL: remoteURL, Timeout: 10 * time.Second}, nil
		}
		return &TDXProvider{}, nil
	}
	return nil, fmt.Errorf("unknown attestation type %q", attestationType)
}

// TDXProvider quotes with the local TDX device.
type TDXProvider struct{}

func (p *TDXProvider) AttestationType() string {
	return TypeDCAP
}

func (p *TDXProvider) Attest(_ context.Context, reportData [64]byte) ([]byte, error) {
	qp := &client.LinuxConfigFsQuoteProvider{}
	return qp.GetRawQuote(reportData)
}

func (p *TDXProvider) Verify(quote []byte, expectedReportData [64]byte) (Measurements, error) {
	return VerifyDCAP(quote, expectedReportData[:])
}

// RemoteDCAPProvider obtains quotes from a remote attestation service and
// verifies them locally.
type RemoteDCAPProvider struct {
	URL     string
	Timeout time.Duration
}

func (p *RemoteDCAPProvider) AttestationType() string {
	return TypeDCAP
}

func (p *RemoteDCAPProvider) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", p.URL, hex.EncodeToString(reportData[:]))

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

func (p *RemoteDCAPProvider) Verify(quote []byte, expectedReportData [64]byte) (Measurements, error) {
	return VerifyDCAP(quote, expectedReportData[:])
}

func mustDecodeHex(data string) []byte {
	decoded, err := hex.DecodeString(data)
	if err != nil {
		panic(err.Error())
	}
	return decoded
}

// VerifyDCAP checks a TDX DCAP quote against expected report data and
// returns MRTD and the four RTMRs as registers 0 to 4.
func VerifyDCAP(rawQuote []byte, expectedReportData []byte) (Measurements, error) {
	anyQuote, err := abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("could not convert raw bytes to QuoteV4: %v", err)
	}
	quote, ok := anyQuote.(*proto.QuoteV4)
	if !ok {
		return nil, errors.New("quote is not a QuoteV4")
	}

	config := &proto_checkconfig.Config{
		RootOfTrust: &proto_checkconfig.RootOfTrust{
			CheckCrl:      true,
			GetCollateral: true,
		},
		Policy: &proto_checkconfig.Policy{
			HeaderPolicy: &proto_checkconfig.HeaderPolicy{
				QeVendorId: mustDecodeHex("939a7233f79c4ca9940a0db3957f0607"),
			},
			TdQuoteBodyPolicy: &proto_checkconfig.TDQuoteBodyPolicy{
				TdAttributes: mustDecodeHex("0000001000000000"),
				ReportData:   expectedReportData,
			},
		},
	}

	options, err := verify.RootOfTrustToOptions(config.RootOfTrust)
	if err != nil {
		return nil, fmt.Errorf("converting root of trust to options: %w", err)
	}
	if err := verify.TdxQuote(quote, options); err != nil {
		return nil, fmt.Errorf("verifying TDX quote: %w", err)
	}

	opts, err := validate.PolicyToOptions(config.Policy)
	if err != nil {
		return nil, fmt.Errorf("converting policy to options: %v", err)
	}
	if err := validate.TdxQuote(quote, opts); err != nil {
		return nil, fmt.Errorf("validating TDX quote: %v", err)
	}

	body := quote.GetTdQuoteBody()
	return Measurements{
		0: body.MrTd,
		1: body.Rtmrs[0],
		2: body.Rtmrs[1],
		3: body.Rtmrs[2],
		4: body.Rtmrs[3],
	}, nil
}

// DummyProvider stands in for TEE hardware in tests and local runs: the
// quote is the report data itself.
type DummyProvider struct{}

func (p *DummyProvider) AttestationType() string {
	return TypeDummy
}

func (p *DummyProvider) Attest(_ context.Context, reportData [64]byte) ([]byte, error) {
	return bytes.Clone(reportData[:]), nil
}

func (p *DummyProvider) Verify(quote []byte, expectedReportData [64]byte) (Measurements, error) {
	if !bytes.Equal(quote, expectedReportData[:]) {
		return nil, errors.New("attestation mismatch")
	}
	return DummyMeasurements(), nil
}

// DummyMeasurements are the registers DummyProvider reports.
func DummyMeasurements() Measurements {
	return Measurements{0: {0}, 1: {1}, 2: {2}, 3: {3}, 4: {4}}
}
