package attest

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"bootguard/internal/security"
)

// Report format constants.
const (
	// ReportVersion is the current report format version.
	ReportVersion = 1

	// NonceSize is the required challenger nonce length.
	NonceSize = 16

	// SignatureSize is the Ed25519 signature length.
	SignatureSize = ed25519.SignatureSize
)

// Report errors.
var (
	ErrNotSigned       = errors.New("attest: report is not signed")
	ErrBadSignature    = errors.New("attest: report signature invalid")
	ErrUnsupportedWire = errors.New("attest: unsupported report version")
)

// Report is one attestation statement. The integer CBOR keys are the
// wire format; JSON names exist for human consumption and the two
// encodings carry identical content.
type Report struct {
	Version         int           `json:"version" cbor:"1,keyasint"`
	Nonce           []byte        `json:"nonce" cbor:"2,keyasint"`
	BootCount       uint64        `json:"boot_count" cbor:"3,keyasint"`
	FirmwareVersion string        `json:"firmware_version" cbor:"4,keyasint"`
	SecurityStatus  uint32        `json:"security_status" cbor:"5,keyasint"`
	TamperEvents    uint32        `json:"tamper_events" cbor:"6,keyasint"`
	UptimeMs        int64         `json:"uptime_ms" cbor:"7,keyasint"`
	Measurements    []Measurement `json:"measurements" cbor:"8,keyasint"`
	Events          []EventEntry  `json:"events" cbor:"9,keyasint"`
	Signature       []byte        `json:"signature,omitempty" cbor:"10,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// signedPayload is the canonical CBOR encoding of the report with the
// signature stripped. Both Sign and Verify hash exactly these bytes.
func (r *Report) signedPayload() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = nil
	payload, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("attest: encode payload: %w", err)
	}
	return payload, nil
}

// Sign attaches an Ed25519 signature. The private key is built from the
// fabric-derived 32-byte seed and wiped before returning. Signing twice
// is an error; a report is sealed once.
func (r *Report) Sign(seed *security.Buffer) error {
	if r.Signature != nil {
		return ErrAlreadySigned
	}
	if seed.Len() != ed25519.SeedSize {
		return fmt.Errorf("attest: signing seed must be %d bytes", ed25519.SeedSize)
	}
	payload, err := r.signedPayload()
	if err != nil {
		return err
	}
	priv := ed25519.NewKeyFromSeed(seed.Bytes())
	defer security.Wipe(priv)
	r.Signature = ed25519.Sign(priv, payload)
	return nil
}

// Verify checks the signature against pub.
func (r *Report) Verify(pub ed25519.PublicKey) error {
	if len(r.Signature) != SignatureSize {
		return ErrNotSigned
	}
	payload, err := r.signedPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, r.Signature) {
		return ErrBadSignature
	}
	return nil
}

// SignerPublic recovers the verifying key from a fabric-derived seed.
func SignerPublic(seed *security.Buffer) (ed25519.PublicKey, error) {
	if seed.Len() != ed25519.SeedSize {
		return nil, fmt.Errorf("attest: signing seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed.Bytes())
	defer security.Wipe(priv)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])
	return pub, nil
}

// ExportJSON renders the report as canonical-field JSON.
func (r *Report) ExportJSON() ([]byte, error) {
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("attest: encode json: %w", err)
	}
	return out, nil
}

// ExportBinary renders the report as canonical CBOR with integer keys.
func (r *Report) ExportBinary() ([]byte, error) {
	out, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("attest: encode cbor: %w", err)
	}
	return out, nil
}

// DecodeJSON parses a JSON report.
func DecodeJSON(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("attest: decode json: %w", err)
	}
	if r.Version != ReportVersion {
		return nil, ErrUnsupportedWire
	}
	return &r, nil
}

// DecodeBinary parses a CBOR report.
func DecodeBinary(data []byte) (*Report, error) {
	var r Report
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("attest: decode cbor: %w", err)
	}
	if r.Version != ReportVersion {
		return nil, ErrUnsupportedWire
	}
	return &r, nil
}
