package keyfabric

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"bootguard/internal/hal"
	"bootguard/internal/security"
)

// The fuzzy extractor uses a code-offset construction with a 5x
// repetition code: each of the 256 secret bits is spread over 5
// fingerprint bits, so up to 2 flipped bits per group still decode.
// The helper data is codeword XOR fingerprint and reveals nothing about
// the secret without a fingerprint reading.
const (
	secretSize     = 32
	repetition     = 5
	codewordSize   = secretSize * repetition
	checkValueSize = sha256.Size
	helperBlobSize = codewordSize + checkValueSize
)

// Extractor errors.
var (
	ErrNotEnrolled     = errors.New("keyfabric: device not enrolled")
	ErrAlreadyEnrolled = errors.New("keyfabric: device already enrolled")
	ErrReconstructFail = errors.New("keyfabric: secret reconstruction failed")
	ErrFingerprintSize = errors.New("keyfabric: fingerprint size mismatch")
	ErrHelperCorrupted = errors.New("keyfabric: helper data corrupted")
)

func encode(secret []byte) []byte {
	code := make([]byte, codewordSize)
	for bit := 0; bit < secretSize*8; bit++ {
		if secret[bit/8]&(1<<(bit%8)) == 0 {
			continue
		}
		for r := 0; r < repetition; r++ {
			pos := bit*repetition + r
			code[pos/8] |= 1 << (pos % 8)
		}
	}
	return code
}

func decode(code []byte) []byte {
	secret := make([]byte, secretSize)
	for bit := 0; bit < secretSize*8; bit++ {
		ones := 0
		for r := 0; r < repetition; r++ {
			pos := bit*repetition + r
			if code[pos/8]&(1<<(pos%8)) != 0 {
				ones++
			}
		}
		if ones > repetition/2 {
			secret[bit/8] |= 1 << (bit % 8)
		}
	}
	return secret
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// Enroll provisions the device: it samples the fingerprint once, derives
// helper data for a fresh random secret, and persists the helper blob to
// the write-once store. Enrollment happens exactly once per device.
func (f *Fabric) Enroll() error {
	if f.fp.Size() != codewordSize {
		return fmt.Errorf("%w: have %d, need %d", ErrFingerprintSize, f.fp.Size(), codewordSize)
	}
	if _, err := f.store.ReadBlob(hal.SlotHelperData); err == nil {
		return ErrAlreadyEnrolled
	} else if !errors.Is(err, hal.ErrSlotUnwritten) {
		return fmt.Errorf("keyfabric: probe helper slot: %w", err)
	}

	secret, err := f.timing.RandomBytes(secretSize)
	if err != nil {
		return fmt.Errorf("keyfabric: enrollment entropy: %w", err)
	}
	defer security.Wipe(secret)

	reading, err := f.fp.ReadRaw()
	if err != nil {
		return fmt.Errorf("keyfabric: fingerprint read: %w", err)
	}
	defer security.Wipe(reading)

	code := encode(secret)
	defer security.Wipe(code)

	blob := make([]byte, helperBlobSize)
	xorInto(blob[:codewordSize], code, reading)
	check := sha256.Sum256(secret)
	copy(blob[codewordSize:], check[:])

	if err := f.store.WriteBlobOnce(hal.SlotHelperData, blob); err != nil {
		return fmt.Errorf("keyfabric: persist helper data: %w", err)
	}
	f.log.Info("device enrolled")
	return nil
}

// Enrolled reports whether helper data exists.
func (f *Fabric) Enrolled() bool {
	_, err := f.store.ReadBlob(hal.SlotHelperData)
	return err == nil
}

// reconstruct rebuilds the device secret from a fresh fingerprint
// reading. It fails closed: the candidate is wiped unless its hash
// matches the enrolled check value exactly.
func (f *Fabric) reconstruct() (*security.Buffer, error) {
	blob, err := f.store.ReadBlob(hal.SlotHelperData)
	if err != nil {
		if errors.Is(err, hal.ErrSlotUnwritten) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("keyfabric: read helper data: %w", err)
	}
	if len(blob) != helperBlobSize {
		return nil, ErrHelperCorrupted
	}

	var lastErr error = ErrReconstructFail
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		reading, err := f.fp.ReadRaw()
		if err != nil {
			lastErr = fmt.Errorf("keyfabric: fingerprint read: %w", err)
			continue
		}

		code := make([]byte, codewordSize)
		xorInto(code, blob[:codewordSize], reading)
		security.Wipe(reading)

		candidate := decode(code)
		security.Wipe(code)

		check := sha256.Sum256(candidate)
		if security.ConstantTimeCompare(check[:], blob[codewordSize:]) {
			return security.BufferFrom(candidate), nil
		}
		security.Wipe(candidate)
		lastErr = ErrReconstructFail
	}
	return nil, lastErr
}
