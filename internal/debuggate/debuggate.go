// Package debuggate controls debug-port access with signed authorization
// certificates. The port is closed by default; it opens only for a
// certificate signed by the debug authority, bound to this exact device,
// and still inside its validity window. A tamper response slams the gate
// permanently shut for the power cycle.
package debuggate

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"bootguard/internal/logging"
)

// CertMagic identifies a debug authorization certificate ("DEBG").
const CertMagic = 0x44454247

// Gate status values. Wide encodings, complement pair.
type Status uint32

const (
	StatusLocked   Status = 0x0F0F0F0F
	StatusUnlocked Status = 0xF0F0F0F0
)

// Gate errors.
var (
	ErrBadMagic      = errors.New("debuggate: bad certificate magic")
	ErrWrongDevice   = errors.New("debuggate: certificate bound to another device")
	ErrExpired       = errors.New("debuggate: certificate expired")
	ErrBadCertSig    = errors.New("debuggate: certificate signature invalid")
	ErrPermanentLock = errors.New("debuggate: gate permanently locked")
)

// Certificate authorizes debug access for one device until NotAfter.
type Certificate struct {
	Magic     uint32
	DeviceID  [16]byte
	NotAfter  int64
	Signature []byte
}

// payload is the byte string the authority signs.
func (c *Certificate) payload() []byte {
	buf := make([]byte, 0, 4+16+8)
	buf = binary.BigEndian.AppendUint32(buf, c.Magic)
	buf = append(buf, c.DeviceID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.NotAfter))
	return buf
}

// SignCertificate issues a certificate for deviceID valid until notAfter.
// Used by provisioning tooling and tests; devices only verify.
func SignCertificate(authority ed25519.PrivateKey, deviceID [16]byte, notAfter time.Time) *Certificate {
	c := &Certificate{
		Magic:    CertMagic,
		DeviceID: deviceID,
		NotAfter: notAfter.Unix(),
	}
	c.Signature = ed25519.Sign(authority, c.payload())
	return c
}

// Gate is the debug-port access controller.
type Gate struct {
	authority ed25519.PublicKey
	deviceID  [16]byte
	log       *logging.Logger

	mu        sync.Mutex
	status    Status
	permanent bool

	now func() time.Time
}

// New builds a locked gate for this device.
func New(authority ed25519.PublicKey, deviceID [16]byte, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.Default()
	}
	return &Gate{
		authority: authority,
		deviceID:  deviceID,
		log:       log.WithComponent("debuggate"),
		status:    StatusLocked,
		now:       time.Now,
	}
}

// Unlock opens the gate if cert is a valid, unexpired authorization for
// this device. Every check must pass; the first failure wins and the
// gate stays locked.
func (g *Gate) Unlock(cert *Certificate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.permanent {
		return ErrPermanentLock
	}
	if cert.Magic != CertMagic {
		return ErrBadMagic
	}
	if !bytes.Equal(cert.DeviceID[:], g.deviceID[:]) {
		return ErrWrongDevice
	}
	if g.now().Unix() > cert.NotAfter {
		return ErrExpired
	}
	if !ed25519.Verify(g.authority, cert.payload(), cert.Signature) {
		return ErrBadCertSig
	}
	g.status = StatusUnlocked
	g.log.Info("debug port unlocked", "not_after", cert.NotAfter)
	return nil
}

// Lock closes the gate.
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = StatusLocked
}

// LockPermanent closes the gate for the rest of the power cycle. Called
// from the tamper response path.
func (g *Gate) LockPermanent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = StatusLocked
	g.permanent = true
	g.log.Warn("debug port permanently locked")
}

// Status returns the current gate state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Open reports whether debug access is currently allowed.
func (g *Gate) Open() bool {
	return g.Status() == StatusUnlocked
}
