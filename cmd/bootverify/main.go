// Command bootverify checks attestation reports offline. It validates a
// JSON report against the wire schema, or decodes a CBOR report, and
// verifies the device signature when a verifying key is supplied.
//
// Usage:
//
//	bootverify [flags] <report.json|report.cbor>
//
// Examples:
//
//	# Structural validation only
//	bootverify report.json
//
//	# Full verification against the device's public key
//	bootverify -pubkey device.pub report.json
//
//	# Verify the binary encoding
//	bootverify -binary -pubkey device.pub report.cbor
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"bootguard/internal/attest"
)

func main() {
	binary := flag.Bool("binary", false, "input is CBOR instead of JSON")
	pubkeyPath := flag.String("pubkey", "", "path to hex-encoded Ed25519 verifying key")
	quiet := flag.Bool("quiet", false, "only set the exit code")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "bootverify - Verify attestation reports\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <report>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *pubkeyPath, *binary, *quiet); err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "bootverify: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(path, pubkeyPath string, binary, quiet bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var report *attest.Report
	if binary {
		report, err = attest.DecodeBinary(data)
		if err != nil {
			return err
		}
	} else {
		if err := attest.ValidateJSON(data); err != nil {
			return err
		}
		report, err = attest.DecodeJSON(data)
		if err != nil {
			return err
		}
	}

	if pubkeyPath != "" {
		pub, err := loadPubkey(pubkeyPath)
		if err != nil {
			return err
		}
		if err := report.Verify(pub); err != nil {
			return err
		}
	}

	if !quiet {
		fmt.Printf("report ok: version=%d boot_count=%d firmware=%s measurements=%d events=%d",
			report.Version, report.BootCount, report.FirmwareVersion,
			len(report.Measurements), len(report.Events))
		if pubkeyPath != "" {
			fmt.Print(" signature=valid")
		}
		fmt.Println()
	}
	return nil
}

func loadPubkey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode verifying key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verifying key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
