package attest

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"bootguard/internal/hal"
	"bootguard/internal/security"
)

func verifiedRecorder(maxM, maxE int) *Recorder {
	r := NewRecorder(maxM, maxE, nil)
	r.MarkRootOfTrust()
	r.MarkRollbackVerified()
	return r
}

func testNonce() []byte {
	return bytes.Repeat([]byte{0xAB}, NonceSize)
}

func TestMeasureCapacity(t *testing.T) {
	r := NewRecorder(2, 4, nil)

	if err := r.Measure(StageRootOfTrust, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Measure(StageRollback, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := r.Measure(StageFirmware, []byte("c")); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("overflow = %v, want ErrStorageExhausted", err)
	}
	if len(r.Measurements()) != 2 {
		t.Errorf("measurement count %d after overflow", len(r.Measurements()))
	}
}

func TestRecordCapacity(t *testing.T) {
	r := NewRecorder(4, 2, nil)
	if err := r.Record(EventBootStart, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(EventStagePassed, nil, "x"); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(EventStagePassed, nil, "y"); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("overflow = %v", err)
	}
}

func TestGeneratePreconditions(t *testing.T) {
	store := hal.NewSimStore()

	r := NewRecorder(4, 4, nil)
	if _, err := r.Generate(store, testNonce(), "1.0.0", 0, 0); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("unverified generate = %v", err)
	}

	r.MarkRootOfTrust()
	if _, err := r.Generate(store, testNonce(), "1.0.0", 0, 0); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("half-verified generate = %v", err)
	}

	r.MarkRollbackVerified()
	if _, err := r.Generate(store, []byte("short"), "1.0.0", 0, 0); err == nil {
		t.Fatal("bad nonce length accepted")
	}
	if _, err := r.Generate(store, testNonce(), "1.0.0", 0, 0); err != nil {
		t.Fatalf("verified generate: %v", err)
	}
}

func TestGenerateAdvancesBootCounter(t *testing.T) {
	store := hal.NewSimStore()

	first, err := verifiedRecorder(4, 4).Generate(store, testNonce(), "1.0.0", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := verifiedRecorder(4, 4).Generate(store, testNonce(), "1.0.0", 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if first.BootCount != 1 || second.BootCount != 2 {
		t.Errorf("boot counts %d, %d", first.BootCount, second.BootCount)
	}
	n, _ := store.Counter(hal.SlotBootCounter)
	if n != 2 {
		t.Errorf("persisted counter = %d", n)
	}
}

func TestSignOnceAndVerify(t *testing.T) {
	store := hal.NewSimStore()
	r := verifiedRecorder(4, 4)
	r.Measure(StageFirmware, []byte("image"))

	report, err := r.Generate(store, testNonce(), "2.0.1", 0x1F, 0)
	if err != nil {
		t.Fatal(err)
	}

	seed := security.BufferFrom(bytes.Repeat([]byte{0x42}, 32))
	defer seed.Destroy()

	pub, err := SignerPublic(seed)
	if err != nil {
		t.Fatal(err)
	}

	if err := report.Verify(pub); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("unsigned verify = %v", err)
	}
	if err := report.Sign(seed); err != nil {
		t.Fatal(err)
	}
	if err := report.Sign(seed); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("double sign = %v", err)
	}
	if err := report.Verify(pub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Any field change invalidates the signature.
	report.BootCount++
	if err := report.Verify(pub); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered verify = %v", err)
	}
}

func TestExportRoundTripEquivalence(t *testing.T) {
	store := hal.NewSimStore()
	r := verifiedRecorder(4, 4)
	r.Measure(StageRootOfTrust, []byte("rot"))
	r.Record(EventBootStart, nil, "")
	r.Record(EventStagePassed, []byte("rot"), "root-of-trust")

	report, err := r.Generate(store, testNonce(), "1.2.3", 0x07, 3)
	if err != nil {
		t.Fatal(err)
	}
	seed := security.BufferFrom(bytes.Repeat([]byte{0x11}, 32))
	defer seed.Destroy()
	if err := report.Sign(seed); err != nil {
		t.Fatal(err)
	}

	jsonData, err := report.ExportJSON()
	if err != nil {
		t.Fatal(err)
	}
	cborData, err := report.ExportBinary()
	if err != nil {
		t.Fatal(err)
	}

	fromJSON, err := DecodeJSON(jsonData)
	if err != nil {
		t.Fatal(err)
	}
	fromCBOR, err := DecodeBinary(cborData)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(fromJSON, fromCBOR) {
		t.Errorf("encodings disagree:\njson: %+v\ncbor: %+v", fromJSON, fromCBOR)
	}
	if !reflect.DeepEqual(fromCBOR, report) {
		t.Errorf("cbor round trip lost content")
	}

	// Both decoded copies still carry a valid signature.
	pub, _ := SignerPublic(seed)
	if err := fromJSON.Verify(pub); err != nil {
		t.Errorf("json copy signature: %v", err)
	}
	if err := fromCBOR.Verify(pub); err != nil {
		t.Errorf("cbor copy signature: %v", err)
	}
}

func TestValidateJSON(t *testing.T) {
	store := hal.NewSimStore()
	report, err := verifiedRecorder(4, 4).Generate(store, testNonce(), "1.0.0", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	seed := security.BufferFrom(bytes.Repeat([]byte{0x33}, 32))
	defer seed.Destroy()
	if err := report.Sign(seed); err != nil {
		t.Fatal(err)
	}

	data, err := report.ExportJSON()
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateJSON(data); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}

	if err := ValidateJSON([]byte(`{"version": 2}`)); err == nil {
		t.Error("wrong version accepted")
	}
	if err := ValidateJSON([]byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
	if err := ValidateJSON([]byte(`{"version":1,"nonce":"q80=","boot_count":0}`)); err == nil {
		t.Error("missing required fields accepted")
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	if _, err := DecodeJSON([]byte(`{"version": 99}`)); !errors.Is(err, ErrUnsupportedWire) {
		t.Fatalf("unknown version = %v", err)
	}
}
