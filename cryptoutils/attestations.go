package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58271, 12001, 1},
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58271, 12001, 404},
		StringID: "dummy",
	}
)

// AttestationType identifies the TEE attestation mechanism in use.
type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

// AttestationTypeFromString resolves a string identifier to a known type.
func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// AttestationProvider issues quotes binding 64 bytes of report data to the
// running enclave, and exposes the enclave measurement the worker identity
// is derived from.
type AttestationProvider interface {
	AttestationType() AttestationType

	// Attest returns a raw attestation quote over reportData.
	Attest(reportData [64]byte) ([]byte, error)

	// Measurement returns a stable digest of the enclave measurement
	// registers. Identical enclave images yield identical measurements.
	Measurement() ([]byte, error)
}

// RemoteAttestationProvider fetches quotes from a local quote provider
// service, for setups where the guest device is not directly accessible.
type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
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

func (p *RemoteAttestationProvider) Measurement() ([]byte, error) {
	quote, err := p.Attest([64]byte{})
	if err != nil {
		return nil, err
	}
	return measurementDigest(quote)
}

// DCAPAttestationProvider issues quotes through the TDX guest device or the
// configfs interface, whichever is available.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
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

func (p DCAPAttestationProvider) Measurement() ([]byte, error) {
	quote, err := p.Attest([64]byte{})
	if err != nil {
		return nil, err
	}
	return measurementDigest(quote)
}

// DummyAttestationProvider fabricates quotes for development and tests.
// Its measurement is fixed so worker derivation stays deterministic.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy attestation over %x", reportData)), nil
}

func (DummyAttestationProvider) Measurement() ([]byte, error) {
	digest := sha256.Sum256([]byte("dummy-enclave-measurement"))
	return digest[:], nil
}

// measurementDigest hashes the measurement registers of a TDX quote into a
// single 32-byte digest.
func measurementDigest(rawQuote []byte) ([]byte, error) {
	v4Quote, err := parseQuoteV4(rawQuote)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(v4Quote.TdQuoteBody.MrTd)
	for _, rtmr := range v4Quote.TdQuoteBody.Rtmrs {
		h.Write(rtmr)
	}
	h.Write(v4Quote.TdQuoteBody.MrConfigId)
	h.Write(v4Quote.TdQuoteBody.MrOwner)
	return h.Sum(nil), nil
}

func parseQuoteV4(rawQuote []byte) (*tdx_pb.QuoteV4, error) {
	protoQuote, err := tdx_abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	switch q := protoQuote.(type) {
	case *tdx_pb.QuoteV4:
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported quote type: %T", q)
	}
}

// VerifyDCAPAttestation verifies a raw DCAP quote against the expected
// report data and returns the quoted measurement registers by index.
func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	v4Quote, err := parseQuoteV4(report)
	if err != nil {
		return nil, err
	}

	options := verify.DefaultOptions()
	if err := verify.TdxQuote(v4Quote, options); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}

	return measurements, nil
}
