// Command bootguard runs the verified-boot sequence against simulated
// hardware. It enrolls a fresh device, builds and signs a firmware
// candidate, executes the full gate ladder, and prints the signed
// attestation report.
//
// Usage:
//
//	bootguard [flags]
//
// Examples:
//
//	# Clean boot with defaults
//	bootguard
//
//	# Boot a specific version with a report archive
//	bootguard -fw-version 2.1.0 -archive ./reports.db
//
//	# Inject a voltage glitch mid-boot and watch the lockdown
//	bootguard -inject-glitch
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"bootguard/internal/attest"
	"bootguard/internal/boot"
	"bootguard/internal/config"
	"bootguard/internal/debuggate"
	"bootguard/internal/hal"
	"bootguard/internal/jitter"
	"bootguard/internal/keyfabric"
	"bootguard/internal/logging"
	"bootguard/internal/rollback"
	"bootguard/internal/store"
	"bootguard/internal/tamper"
	"bootguard/internal/verifier"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	fwVersion := flag.String("fw-version", "1.0.0", "candidate firmware version")
	archivePath := flag.String("archive", "", "sqlite report archive path (overrides config)")
	format := flag.String("format", "json", "report output format: json, cbor-hex")
	injectGlitch := flag.Bool("inject-glitch", false, "script a voltage glitch during boot")
	injectLowVolt := flag.Bool("inject-low-voltage", false, "script a brown-out during boot")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("bootguard %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath, *fwVersion, *archivePath, *format, *injectGlitch, *injectLowVolt); err != nil {
		fmt.Fprintf(os.Stderr, "bootguard: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, fwVersion, archivePath, format string, injectGlitch, injectLowVolt bool) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if archivePath != "" {
		cfg.Storage.ArchivePath = archivePath
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logFormat, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logFormat,
		Output:    cfg.Logging.Output,
		Component: "bootguard",
	})
	if err != nil {
		return err
	}
	defer log.Close()

	// Assemble the simulated hardware.
	sensors := hal.NewSimSensors(1850, 25)
	if injectGlitch {
		// One quiet sample, then a swing well past the glitch delta.
		sensors.QueueVoltage(1850, 1850, 1580)
	}
	if injectLowVolt {
		sensors.QueueVoltage(1850, 1850, 1650)
	}
	entropy := hal.NewSimEntropy()
	fingerprint := hal.NewSimFingerprint([]byte("demo-device"), 160, 4)
	hwStore := hal.NewSimStore()
	isolation := &hal.SimIsolation{ActiveState: true, LockedState: true}
	system := &hal.SimSystem{}

	timing := jitter.NewSource(entropy, cfg.Jitter.EntropyRetries)
	checker := verifier.New(timing, cfg.Jitter.MinIterations, cfg.Jitter.MaxIterations)
	fabric := keyfabric.New(fingerprint, hwStore, timing, cfg.KeyFabric.MaxReconstructAttempts, log)

	if !fabric.Enrolled() {
		if err := fabric.Enroll(); err != nil {
			return err
		}
	}
	if err := fabric.Open(); err != nil {
		return err
	}

	deviceID, err := fabric.DeviceID()
	if err != nil {
		return err
	}
	authorityPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	gate := debuggate.New(authorityPub, deviceID, log)

	locker := &boot.StoreLocker{Store: hwStore, Gate: gate}
	thresholds := tamper.Thresholds{
		VoltageMinMV:  cfg.Tamper.VoltageMinMV,
		VoltageMaxMV:  cfg.Tamper.VoltageMaxMV,
		TempMinC:      cfg.Tamper.TempMinC,
		TempMaxC:      cfg.Tamper.TempMaxC,
		GlitchDeltaMV: cfg.Tamper.GlitchDeltaMV,
	}
	monitor := tamper.NewMonitor(sensors, system, fabric, locker, thresholds, log)

	ledger := rollback.NewStore(hwStore)
	recorder := attest.NewRecorder(cfg.Attest.MaxMeasurements, cfg.Attest.MaxEvents, log)

	var archive boot.Archiver
	if cfg.Storage.ArchivePath != "" {
		a, err := store.Open(cfg.Storage.ArchivePath)
		if err != nil {
			return err
		}
		defer a.Close()
		archive = a
	}

	// The vendor keypair would live in factory tooling; the demo signs
	// its own candidate image.
	vendorPub, vendorPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	payload := []byte("demo firmware payload")
	img := &boot.Image{
		Header: boot.FirmwareHeader{
			Magic:      boot.HeaderMagic,
			Version:    fwVersion,
			ImageSize:  uint32(len(payload)),
			LoadAddr:   0x2000_0000,
			EntryPoint: 0x2000_0400,
		},
		Payload: payload,
	}
	boot.SignImage(vendorPriv, img)

	seq := boot.NewSequencer(checker, monitor, ledger, fabric, recorder, isolation, vendorPub, archive, log)

	nonce := make([]byte, attest.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	report, err := seq.Execute(img, nonce)
	if err != nil {
		if system.Resets() > 0 {
			log.Warn("simulated hardware requested reset", "count", system.Resets())
		}
		return err
	}

	switch format {
	case "json":
		out, err := report.ExportJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case "cbor-hex":
		out, err := report.ExportBinary()
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", out)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}
