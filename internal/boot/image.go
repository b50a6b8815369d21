package boot

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderMagic identifies a firmware image header.
const HeaderMagic = 0x464D5750

// Image format errors.
var (
	ErrBadHeaderMagic = errors.New("boot: bad firmware header magic")
	ErrSizeMismatch   = errors.New("boot: header size does not match payload")
	ErrBadImageSig    = errors.New("boot: firmware signature invalid")
)

// FirmwareHeader describes a candidate firmware image.
type FirmwareHeader struct {
	Magic      uint32
	Version    string
	ImageSize  uint32
	LoadAddr   uint32
	EntryPoint uint32
}

// Image is a firmware candidate: header, payload, and the vendor's
// detached signature over both.
type Image struct {
	Header    FirmwareHeader
	Payload   []byte
	Signature []byte
}

// digest computes the signed message: SHA-256 over the serialized
// header followed by the payload.
func (img *Image) digest() [32]byte {
	h := sha256.New()
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], img.Header.Magic)
	h.Write(word[:])
	h.Write([]byte(img.Header.Version))
	binary.BigEndian.PutUint32(word[:], img.Header.ImageSize)
	h.Write(word[:])
	binary.BigEndian.PutUint32(word[:], img.Header.LoadAddr)
	h.Write(word[:])
	binary.BigEndian.PutUint32(word[:], img.Header.EntryPoint)
	h.Write(word[:])
	h.Write(img.Payload)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// validateFormat checks the structural fields before any crypto runs.
func (img *Image) validateFormat() error {
	if img.Header.Magic != HeaderMagic {
		return ErrBadHeaderMagic
	}
	if int(img.Header.ImageSize) != len(img.Payload) {
		return fmt.Errorf("%w: header %d, payload %d", ErrSizeMismatch, img.Header.ImageSize, len(img.Payload))
	}
	return nil
}

// verifySignature checks the vendor signature over the image digest.
func (img *Image) verifySignature(vendor ed25519.PublicKey) error {
	if len(img.Signature) != ed25519.SignatureSize {
		return ErrBadImageSig
	}
	d := img.digest()
	if !ed25519.Verify(vendor, d[:], img.Signature) {
		return ErrBadImageSig
	}
	return nil
}

// SignImage attaches a vendor signature. Build tooling and tests only.
func SignImage(vendor ed25519.PrivateKey, img *Image) {
	d := img.digest()
	img.Signature = ed25519.Sign(vendor, d[:])
}
