package boot

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync/atomic"

	"bootguard/internal/attest"
	"bootguard/internal/hal"
	"bootguard/internal/keyfabric"
	"bootguard/internal/logging"
	"bootguard/internal/rollback"
	"bootguard/internal/tamper"
	"bootguard/internal/verifier"
)

// Security status bits reported in the attestation.
const (
	statusRootOfTrust uint32 = 1 << 0
	statusTamperClear uint32 = 1 << 1
	statusRollbackOK  uint32 = 1 << 2
	statusSignatureOK uint32 = 1 << 3
	statusComplete    uint32 = 1 << 4
)

// Archiver persists signed reports. Satisfied by the sqlite archive;
// nil disables archiving.
type Archiver interface {
	SaveReport(*attest.Report) error
}

// Sequencer owns one boot attempt end to end.
type Sequencer struct {
	checker   *verifier.Checker
	monitor   *tamper.Monitor
	ledger    *rollback.Store
	fabric    *keyfabric.Fabric
	recorder  *attest.Recorder
	isolation hal.Isolation
	vendorKey ed25519.PublicKey
	archive   Archiver
	log       *logging.Logger

	state  atomic.Uint32
	tokens []verifier.Token
}

// NewSequencer wires the boot engine together. archive may be nil.
func NewSequencer(
	checker *verifier.Checker,
	monitor *tamper.Monitor,
	ledger *rollback.Store,
	fabric *keyfabric.Fabric,
	recorder *attest.Recorder,
	isolation hal.Isolation,
	vendorKey ed25519.PublicKey,
	archive Archiver,
	log *logging.Logger,
) *Sequencer {
	if log == nil {
		log = logging.Default()
	}
	return &Sequencer{
		checker:   checker,
		monitor:   monitor,
		ledger:    ledger,
		fabric:    fabric,
		recorder:  recorder,
		isolation: isolation,
		vendorKey: vendorKey,
		archive:   archive,
		log:       log.WithComponent("boot"),
	}
}

// State returns the sequencer's current position.
func (s *Sequencer) State() State { return State(s.state.Load()) }

// Tokens returns the stage tokens recorded so far.
func (s *Sequencer) Tokens() []verifier.Token {
	out := make([]verifier.Token, len(s.tokens))
	copy(out, s.tokens)
	return out
}

func (s *Sequencer) fail(reason Reason, err error) error {
	if errors.Is(err, attest.ErrStorageExhausted) {
		reason = ReasonStorageExhausted
	}
	s.state.Store(uint32(StateFailed))
	// Best effort: a full event log cannot mask the failure itself.
	_ = s.recorder.Record(attest.EventStageFailed, nil, reason.String())
	s.log.Error("boot failed", "reason", reason.String(), "error", err)
	return failure(reason, err)
}

// enter records the completion token for a stage and re-confirms the
// stored value before the sequencer moves on.
func (s *Sequencer) enter(state State, token verifier.Token) error {
	s.tokens = append(s.tokens, token)
	if !verifier.ValidToken(s.tokens[len(s.tokens)-1]) {
		return verifier.ErrTokenMismatch
	}
	s.state.Store(uint32(state))
	if State(s.state.Load()) != state {
		return verifier.ErrStateCorrupted
	}
	if err := s.recorder.Record(attest.EventStagePassed, nil, state.String()); err != nil {
		return err
	}
	s.log.Debug("stage passed", "state", state.String())
	return nil
}

// drainTamper services any events the monitor posted since the last
// boundary. A posted event triggers the full response; a glitch comes
// back as its own reason because the response path requested a reset.
func (s *Sequencer) drainTamper() error {
	if err := s.monitor.Poll(); err != nil {
		return s.fail(ReasonTamper, err)
	}
	ev := s.monitor.Pending()
	if ev == 0 {
		return nil
	}
	// Evidence recording must not delay the response; a full log is
	// logged and the response proceeds regardless.
	if rerr := s.recorder.Record(attest.EventTamperDetected, nil, ev.String()); rerr != nil {
		s.log.Error("tamper event not recorded", "error", rerr)
	}
	respErr := s.monitor.Respond(ev)
	if ev&tamper.EventVoltageLow != 0 || ev&tamper.EventVoltageHigh != 0 || ev&tamper.EventGlitch != 0 {
		if rerr := s.recorder.Record(attest.EventKeyErased, nil, ""); rerr != nil {
			s.log.Error("key erasure not recorded", "error", rerr)
		}
	}
	if errors.Is(respErr, tamper.ErrGlitchResponse) {
		return s.fail(ReasonGlitchDetected, respErr)
	}
	return s.fail(ReasonTamper, respErr)
}

// Execute runs the complete boot sequence for one firmware candidate.
// nonce is the challenger's freshness value for the final attestation.
// On success the signed report is returned; on any failure the device
// is left in StateFailed with a classified error.
func (s *Sequencer) Execute(img *Image, nonce []byte) (*attest.Report, error) {
	var status uint32

	if locked, err := DeviceLocked(s.fabric.Store()); err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	} else if locked {
		return nil, s.fail(ReasonTamper, errors.New("boot: device is tamper-locked"))
	}

	if err := s.recorder.Record(attest.EventBootStart, nil, ""); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}
	if err := s.monitor.Start(); err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	}
	if err := s.enter(StateInit, verifier.TokenInit); err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	}

	// Gate 1: the hardware root of trust left by the ROM.
	err := s.checker.Check(
		func() bool { return s.isolation.Active() },
		func() bool { return s.isolation.Locked() },
	)
	if err != nil {
		return nil, s.fail(ReasonGenericInit, fmt.Errorf("root of trust: %w", err))
	}
	status |= statusRootOfTrust
	s.recorder.MarkRootOfTrust()
	if err := s.recorder.Measure(attest.StageRootOfTrust, []byte("isolation:active+locked")); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}
	if err := s.enter(StateRootOfTrust, verifier.TokenRootOfTrust); err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	}
	if err := s.drainTamper(); err != nil {
		return nil, err
	}

	// Gate 2: the tamper environment is quiet.
	err = s.checker.Check(
		func() bool { return s.monitor.Phase() == tamper.PhaseArmed },
		func() bool { return s.monitor.Ctx().Events()&tamper.EventGlitch == 0 },
	)
	if err != nil {
		return nil, s.fail(ReasonTamper, err)
	}
	status |= statusTamperClear
	tctx := s.monitor.Ctx()
	envelope := fmt.Sprintf("voltage:%dmV temp:%dC events:%s",
		tctx.LastVoltageMV(), tctx.LastTempC(), tctx.Events())
	if err := s.recorder.Measure(attest.StageTamper, []byte(envelope)); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}
	if err := s.enter(StateTamperClear, verifier.TokenTamperClear); err != nil {
		return nil, s.fail(ReasonTamper, err)
	}
	if err := s.drainTamper(); err != nil {
		return nil, err
	}

	// Gate 3: the candidate version clears the ledger.
	if err := s.ledger.Init(); err != nil {
		return nil, s.fail(ReasonRollback, err)
	}
	candidate, err := rollback.ParseVersion(img.Header.Version)
	if err != nil {
		return nil, s.fail(ReasonRollback, err)
	}
	var verdict rollback.Result
	err = s.checker.Check(
		func() bool {
			res, cerr := s.ledger.Check(candidate)
			verdict = res
			return cerr == nil
		},
		func() bool { return verdict.Acceptable() },
	)
	if err != nil {
		return nil, s.fail(ReasonRollback, err)
	}
	status |= statusRollbackOK
	s.recorder.MarkRollbackVerified()
	if err := s.recorder.Measure(attest.StageRollback, []byte(candidate.String())); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}
	if err := s.enter(StateRollbackClear, verifier.TokenRollbackClear); err != nil {
		return nil, s.fail(ReasonRollback, err)
	}
	if err := s.drainTamper(); err != nil {
		return nil, err
	}

	// Gate 4: the vendor signed exactly this image.
	err = s.checker.Check(
		func() bool { return img.validateFormat() == nil },
		func() bool { return img.verifySignature(s.vendorKey) == nil },
	)
	if err != nil {
		return nil, s.fail(ReasonSignatureInvalid, err)
	}
	status |= statusSignatureOK
	digest := img.digest()
	if err := s.recorder.Measure(attest.StageFirmware, digest[:]); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}
	if err := s.enter(StateSignatureValid, verifier.TokenSignature); err != nil {
		return nil, s.fail(ReasonSignatureInvalid, err)
	}
	if err := s.drainTamper(); err != nil {
		return nil, err
	}

	// The ledger only advances once the signature has verified, so an
	// unsigned image can never burn a version slot.
	if err := s.ledger.Commit(candidate); err != nil {
		return nil, s.fail(ReasonRollback, err)
	}

	// Confirm the whole token trail before attestation.
	err = verifier.VerifyTokens(s.tokens, []verifier.Token{
		verifier.TokenInit,
		verifier.TokenRootOfTrust,
		verifier.TokenTamperClear,
		verifier.TokenRollbackClear,
		verifier.TokenSignature,
	})
	if err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	}
	s.state.Store(uint32(StateAttestationReady))

	report, err := s.attest(nonce, candidate, status)
	if err != nil {
		return nil, err
	}

	if err := s.recorder.Record(attest.EventBootComplete, nil, ""); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}
	if err := s.enter(StateComplete, verifier.TokenBootComplete); err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	}
	s.log.Info("boot complete", "version", candidate.String(), "boot_count", report.BootCount)
	return report, nil
}

func (s *Sequencer) attest(nonce []byte, candidate rollback.Version, status uint32) (*attest.Report, error) {
	if err := s.fabric.Open(); err != nil {
		return nil, s.fail(ReasonKeyFabricFailure, err)
	}
	seed, err := s.fabric.Derive(keyfabric.KeyAttestation, "report-signing")
	if err != nil {
		return nil, s.fail(ReasonKeyFabricFailure, err)
	}
	defer seed.Destroy()

	if err := s.recorder.Measure(attest.StageComplete, []byte(StateComplete.String())); err != nil {
		return nil, s.fail(ReasonStorageExhausted, err)
	}

	report, err := s.recorder.Generate(
		s.fabric.Store(), nonce, candidate.String(),
		status|statusComplete, uint32(s.monitor.Ctx().Events()),
	)
	if err != nil {
		return nil, s.fail(ReasonGenericInit, err)
	}
	if err := report.Sign(seed); err != nil {
		return nil, s.fail(ReasonKeyFabricFailure, err)
	}

	if s.archive != nil {
		if err := s.archive.SaveReport(report); err != nil {
			// Archive loss is an operational problem, not a boot gate.
			s.log.Error("report archive failed", "error", err)
		}
	}
	return report, nil
}
