package keyfabric

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootguard/internal/hal"
	"bootguard/internal/jitter"
)

func newTestFabric(t *testing.T, noiseBits int) (*Fabric, *hal.SimStore) {
	t.Helper()
	fp := hal.NewSimFingerprint([]byte("fabric-test-device"), codewordSize, noiseBits)
	hw := hal.NewSimStore()
	timing := jitter.NewSource(hal.NewSimEntropy(), 3)
	return New(fp, hw, timing, 3, nil), hw
}

func TestEnrollAndOpen(t *testing.T) {
	f, _ := newTestFabric(t, 4)

	require.False(t, f.Enrolled())
	require.NoError(t, f.Enroll())
	require.True(t, f.Enrolled())

	require.ErrorIs(t, f.Enroll(), ErrAlreadyEnrolled)

	require.NoError(t, f.Open())
	assert.True(t, f.Opened())
}

func TestOpenWithoutEnrollment(t *testing.T) {
	f, _ := newTestFabric(t, 4)
	require.ErrorIs(t, f.Open(), ErrNotEnrolled)
}

func TestDeriveDeterministicUnderNoise(t *testing.T) {
	f, _ := newTestFabric(t, 8)
	require.NoError(t, f.Enroll())
	require.NoError(t, f.Open())

	first, err := f.Derive(KeyEncryption, "storage")
	require.NoError(t, err)
	firstCopy := append([]byte(nil), first.Bytes()...)

	// A second fabric over the same hardware must reconstruct the same
	// root from a different noisy reading.
	fp := hal.NewSimFingerprint([]byte("fabric-test-device"), codewordSize, 8)
	hw := f.store
	timing := jitter.NewSource(hal.NewSimEntropy(), 3)
	f2 := New(fp, hw, timing, 3, nil)
	require.NoError(t, f2.Open())

	second, err := f2.Derive(KeyEncryption, "storage")
	require.NoError(t, err)
	assert.Equal(t, firstCopy, second.Bytes(), "same device must derive the same key")
}

func TestDeriveDomainSeparation(t *testing.T) {
	f, _ := newTestFabric(t, 4)
	require.NoError(t, f.Enroll())
	require.NoError(t, f.Open())

	enc, err := f.Derive(KeyEncryption, "")
	require.NoError(t, err)
	sig, err := f.Derive(KeySigning, "")
	require.NoError(t, err)
	att, err := f.Derive(KeyAttestation, "")
	require.NoError(t, err)
	ctx, err := f.Derive(KeyEncryption, "other-context")
	require.NoError(t, err)

	assert.NotEqual(t, enc.Bytes(), sig.Bytes())
	assert.NotEqual(t, enc.Bytes(), att.Bytes())
	assert.NotEqual(t, enc.Bytes(), ctx.Bytes())
	assert.Len(t, enc.Bytes(), DerivedKeySize)
}

func TestReconstructionFailsBeyondThreshold(t *testing.T) {
	// Enrollment reads clean, reconstruction reads through heavy noise
	// that exceeds what the repetition code can correct.
	fp := hal.NewSimFingerprint([]byte("noisy-device"), codewordSize, 0)
	hw := hal.NewSimStore()
	timing := jitter.NewSource(hal.NewSimEntropy(), 3)
	f := New(fp, hw, timing, 2, nil)
	require.NoError(t, f.Enroll())

	// Corrupt the helper data so no reading can decode.
	blob, err := hw.ReadBlob(hal.SlotHelperData)
	require.NoError(t, err)
	for i := 0; i < codewordSize; i++ {
		blob[i] ^= 0xFF
	}
	hw2 := hal.NewSimStore()
	require.NoError(t, hw2.WriteBlobOnce(hal.SlotHelperData, blob))

	f2 := New(fp, hw2, timing, 2, nil)
	require.ErrorIs(t, f2.Open(), ErrReconstructFail)
	assert.False(t, f2.Opened())
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	f, _ := newTestFabric(t, 4)
	require.NoError(t, f.Enroll())
	require.NoError(t, f.Open())

	plaintext := []byte("wrapped key material, 32 bytes!!")
	w, err := f.Wrap(append([]byte(nil), plaintext...), KeySigning, 7)
	require.NoError(t, err)
	require.NotEmpty(t, w.Nonce)
	require.Equal(t, KeySigning, w.KeyType)

	got, err := f.Unwrap(w)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got.Bytes())
}

func TestUnwrapFailsClosed(t *testing.T) {
	f, _ := newTestFabric(t, 4)
	require.NoError(t, f.Enroll())
	require.NoError(t, f.Open())

	w, err := f.Wrap([]byte("sensitive"), KeyEncryption, 1)
	require.NoError(t, err)

	// Ciphertext bit flip.
	corrupted := *w
	corrupted.Ciphertext = append([]byte(nil), w.Ciphertext...)
	corrupted.Ciphertext[0] ^= 0x01
	_, err = f.Unwrap(&corrupted)
	require.ErrorIs(t, err, ErrUnwrapFailed)

	// Type swap breaks the AAD binding.
	retyped := *w
	retyped.KeyType = KeySigning
	_, err = f.Unwrap(&retyped)
	require.ErrorIs(t, err, ErrUnwrapFailed)

	// Version swap too.
	reversioned := *w
	reversioned.Version = 2
	_, err = f.Unwrap(&reversioned)
	require.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestEraseKeys(t *testing.T) {
	f, _ := newTestFabric(t, 4)
	require.NoError(t, f.Enroll())
	require.NoError(t, f.Open())

	key, err := f.Derive(KeyEncryption, "")
	require.NoError(t, err)
	held := key.Bytes()

	f.EraseKeys()

	assert.False(t, f.Opened())
	assert.True(t, bytes.Equal(held, make([]byte, len(held))), "derived key not wiped")

	_, err = f.Derive(KeyEncryption, "")
	require.ErrorIs(t, err, ErrErased)
	require.ErrorIs(t, f.Open(), ErrErased)
}

func TestDeviceID(t *testing.T) {
	f, hw := newTestFabric(t, 4)
	require.NoError(t, f.Enroll())
	require.NoError(t, f.Open())

	id, err := f.DeviceID()
	require.NoError(t, err)
	require.NotEqual(t, [16]byte{}, id)

	again, err := f.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	blob, err := hw.ReadBlob(hal.SlotDeviceID)
	require.NoError(t, err)
	assert.Equal(t, id[:], blob)
}
