package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"":        LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"ERROR":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootguard.log")
	log, err := New(&Config{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Output:    path,
		Component: "test",
	})
	if err != nil {
		t.Fatal(err)
	}

	log.Info("hello", "k", "v")
	log.Debug("filtered out")
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"component":"test"`) {
		t.Errorf("log output missing fields: %s", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Error("debug line emitted at info level")
	}
}

func TestWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	log, err := New(&Config{Level: LevelInfo, Format: FormatJSON, Output: path})
	if err != nil {
		t.Fatal(err)
	}
	child := log.WithComponent("tamper")
	child.Info("armed")
	log.Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"component":"tamper"`) {
		t.Errorf("child component missing: %s", data)
	}
}
