// Package keyfabric derives all device keys from the hardware fingerprint.
// The root secret is reconstructed from a noisy fingerprint reading via a
// fuzzy extractor, never stored at rest; everything below it comes out of
// HKDF with domain-separated labels. Wrapped keys leave the fabric only
// under an AEAD bound to the key's type and version.
package keyfabric

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"bootguard/internal/hal"
	"bootguard/internal/jitter"
	"bootguard/internal/logging"
	"bootguard/internal/security"
)

// KeyType selects the derivation branch for a key.
type KeyType string

const (
	KeyEncryption  KeyType = "encryption"
	KeySigning     KeyType = "signing"
	KeyAttestation KeyType = "attestation"
	KeyWrapping    KeyType = "wrapping"
)

// labelPrefix namespaces every HKDF info string.
const labelPrefix = "bootguard:"

// DerivedKeySize is the length of every derived key.
const DerivedKeySize = 32

// Fabric errors.
var (
	ErrUnwrapFailed = errors.New("keyfabric: unwrap authentication failed")
	ErrErased       = errors.New("keyfabric: key material erased")
)

// WrappedKey is a key sealed for storage outside the fabric. The AEAD
// tag covers the key type and version, so a wrapped key cannot be
// replayed into a different role.
type WrappedKey struct {
	Ciphertext []byte  `json:"ciphertext"`
	Nonce      []byte  `json:"nonce"`
	KeyType    KeyType `json:"key_type"`
	Version    uint32  `json:"version"`
}

// Fabric manages the device root secret and every key derived from it.
type Fabric struct {
	fp     hal.Fingerprint
	store  hal.SecureStore
	timing *jitter.Source
	log    *logging.Logger

	maxAttempts int

	mu     sync.Mutex
	root   *security.Buffer
	live   []*security.Buffer
	erased bool
}

// New builds a fabric over the fingerprint and secure store.
// maxAttempts bounds reconstruction retries; values below 1 clamp to 1.
func New(fp hal.Fingerprint, store hal.SecureStore, timing *jitter.Source, maxAttempts int, log *logging.Logger) *Fabric {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = logging.Default()
	}
	return &Fabric{
		fp:          fp,
		store:       store,
		timing:      timing,
		maxAttempts: maxAttempts,
		log:         log.WithComponent("keyfabric"),
	}
}

// Store exposes the secure store backing the fabric.
func (f *Fabric) Store() hal.SecureStore { return f.store }

// Open reconstructs the root secret from the fingerprint. Until Open
// succeeds, no derivation is possible. Fails closed on any mismatch.
func (f *Fabric) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.erased {
		return ErrErased
	}
	if f.root != nil {
		return nil
	}
	root, err := f.reconstruct()
	if err != nil {
		return err
	}
	f.root = root
	f.log.Debug("root secret reconstructed")
	return nil
}

// Opened reports whether the root secret is live.
func (f *Fabric) Opened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.root != nil
}

// Derive produces the key for a type and extra context label. The same
// inputs always yield the same key on the same device; different labels
// yield independent keys. The returned buffer is tracked and destroyed
// by EraseKeys.
func (f *Fabric) Derive(keyType KeyType, context string) (*security.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.erased {
		return nil, ErrErased
	}
	if f.root == nil {
		return nil, ErrNotEnrolled
	}

	info := labelPrefix + string(keyType)
	if context != "" {
		info += ":" + context
	}
	r := hkdf.New(sha256.New, f.root.Bytes(), nil, []byte(info))
	key := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		security.Wipe(key)
		return nil, fmt.Errorf("keyfabric: derive %s: %w", keyType, err)
	}
	buf := security.BufferFrom(key)
	f.live = append(f.live, buf)
	return buf, nil
}

// wrappingKey derives the transient AEAD key used by Wrap and Unwrap.
func (f *Fabric) wrappingKey() (*security.Buffer, error) {
	return f.Derive(KeyWrapping, "")
}

func wrapAAD(keyType KeyType, version uint32) []byte {
	aad := []byte(labelPrefix + "wrap:" + string(keyType) + ":")
	aad = append(aad,
		byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	return aad
}

// Wrap seals plaintext key material for storage. The nonce is drawn
// from the hardware entropy source.
func (f *Fabric) Wrap(plaintext []byte, keyType KeyType, version uint32) (*WrappedKey, error) {
	wk, err := f.wrappingKey()
	if err != nil {
		return nil, err
	}
	defer wk.Destroy()

	aead, err := chacha20poly1305.New(wk.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keyfabric: wrap cipher: %w", err)
	}
	nonce, err := f.timing.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("keyfabric: wrap nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, wrapAAD(keyType, version))
	return &WrappedKey{
		Ciphertext: ct,
		Nonce:      nonce,
		KeyType:    keyType,
		Version:    version,
	}, nil
}

// Unwrap opens a sealed key. Any tampering with the ciphertext, nonce,
// type, or version fails authentication, and no plaintext survives a
// failed unwrap.
func (f *Fabric) Unwrap(w *WrappedKey) (*security.Buffer, error) {
	wk, err := f.wrappingKey()
	if err != nil {
		return nil, err
	}
	defer wk.Destroy()

	aead, err := chacha20poly1305.New(wk.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keyfabric: unwrap cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, w.Nonce, w.Ciphertext, wrapAAD(w.KeyType, w.Version))
	if err != nil {
		if plaintext != nil {
			security.Wipe(plaintext)
		}
		return nil, ErrUnwrapFailed
	}

	buf := security.BufferFrom(plaintext)
	f.mu.Lock()
	f.live = append(f.live, buf)
	f.mu.Unlock()
	return buf, nil
}

// DeviceID returns the 16-byte device identity, provisioning it on first
// use. The identity is derived from the root secret and persisted to the
// write-once store so it stays readable after key erasure.
func (f *Fabric) DeviceID() ([16]byte, error) {
	var id [16]byte
	if blob, err := f.store.ReadBlob(hal.SlotDeviceID); err == nil {
		if len(blob) != len(id) {
			return id, ErrHelperCorrupted
		}
		copy(id[:], blob)
		return id, nil
	} else if !errors.Is(err, hal.ErrSlotUnwritten) {
		return id, fmt.Errorf("keyfabric: read device id: %w", err)
	}

	buf, err := f.Derive(KeyAttestation, "device-id")
	if err != nil {
		return id, err
	}
	copy(id[:], buf.Bytes())
	buf.Destroy()
	if err := f.store.WriteBlobOnce(hal.SlotDeviceID, id[:]); err != nil {
		return id, fmt.Errorf("keyfabric: persist device id: %w", err)
	}
	return id, nil
}

// EraseKeys destroys the root secret and every buffer the fabric handed
// out. After erasure the fabric refuses all further operations for this
// power cycle. Implements the tamper response's key-erasure hook.
func (f *Fabric) EraseKeys() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.root != nil {
		f.root.Destroy()
		f.root = nil
	}
	for _, b := range f.live {
		b.Destroy()
	}
	f.live = nil
	f.erased = true
	f.log.Warn("all key material erased")
}
