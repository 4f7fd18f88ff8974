package util

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Fatal("Version should not be empty")
	}
	if strings.TrimSpace(version) != version {
		t.Errorf("Version should be trimmed, got %q", version)
	}
}

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	expected := "cardfed / " + GetVersion()
	if result != expected {
		t.Errorf("Expected '%s', got '%s'", expected, result)
	}
}

func TestPrettyPrint(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{
			name:  "simple map",
			input: map[string]string{"key": "value"},
		},
		{
			name:  "nested structure",
			input: map[string]interface{}{"outer": map[string]int{"inner": 42}},
		},
		{
			name:  "array",
			input: []int{1, 2, 3, 4, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PrettyPrint(tt.input)
			if len(result) == 0 {
				t.Error("PrettyPrint returned empty string")
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	for _, debug := range []bool{false, true} {
		logger, err := SetupLogger(debug)
		if err != nil {
			t.Fatalf("SetupLogger(%v) failed: %v", debug, err)
		}
		if zap.L() != logger {
			t.Error("SetupLogger should install the global logger")
		}
		if got := logger.Core().Enabled(zap.DebugLevel); got != debug {
			t.Errorf("Debug level enabled=%v, want %v", got, debug)
		}
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	keypair, err := GeneratePemKeypair(2048)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	if !strings.Contains(keypair.Private, "BEGIN RSA PRIVATE KEY") {
		t.Error("Private key should be PKCS#1 PEM")
	}
	if !strings.Contains(keypair.Public, "BEGIN PUBLIC KEY") {
		t.Error("Public key should be PKIX PEM")
	}

	block, _ := pem.Decode([]byte(keypair.Public))
	if block == nil {
		t.Fatal("Public key is not PEM")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Errorf("Public key does not parse: %v", err)
	}
}

func TestGeneratePemKeypairUniqueness(t *testing.T) {
	keypair1, err := GeneratePemKeypair(2048)
	if err != nil {
		t.Fatal(err)
	}
	keypair2, err := GeneratePemKeypair(2048)
	if err != nil {
		t.Fatal(err)
	}

	if keypair1.Private == keypair2.Private {
		t.Error("Generated keypairs should be different")
	}
}

func TestLoadOrCreateKeypair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.pem")

	created, err := LoadOrCreateKeypair(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Key file was not written: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("Key file should not be group or world readable, mode %v", info.Mode().Perm())
	}

	loaded, err := LoadOrCreateKeypair(path)
	if err != nil {
		t.Fatalf("Reloading key failed: %v", err)
	}
	if loaded.Private != created.Private || loaded.Public != created.Public {
		t.Error("Reloaded keypair should match the created one")
	}
}

func TestLoadOrCreateKeypairRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateKeypair(path); err == nil {
		t.Error("Expected error for a file without PEM data")
	}
}

func TestResolveFilePath(t *testing.T) {
	inTempDir(t)

	userPath := ResolveFilePath("cardfed.db")
	if !strings.Contains(userPath, AppConfigDir) {
		t.Errorf("Missing file should resolve into the config dir, got %s", userPath)
	}

	if err := os.WriteFile("cardfed.db", nil, 0644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveFilePath("cardfed.db"); got != "cardfed.db" {
		t.Errorf("Local file should win, got %s", got)
	}
}

func TestResolveFilePathWithSubdir(t *testing.T) {
	inTempDir(t)

	userPath := ResolveFilePathWithSubdir("keys", "instance.pem")
	if filepath.Base(filepath.Dir(userPath)) != "keys" {
		t.Errorf("Expected path inside keys/, got %s", userPath)
	}
	if _, err := os.Stat(filepath.Dir(userPath)); err != nil {
		t.Errorf("Subdirectory should be created: %v", err)
	}

	if err := os.MkdirAll("keys", 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join("keys", "instance.pem"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if got := ResolveFilePathWithSubdir("keys", "instance.pem"); got != filepath.Join("keys", "instance.pem") {
		t.Errorf("Local file should win, got %s", got)
	}
}

func TestHomeDirOverride(t *testing.T) {
	inTempDir(t)
	home := filepath.Join(t.TempDir(), "cardfed-home")
	t.Setenv(HomeDirEnv, home)

	if got := ResolveFilePath("cardfed.db"); got != filepath.Join(home, "cardfed.db") {
		t.Errorf("Expected database under %s, got %s", home, got)
	}

	keyPath := ResolveFilePathWithSubdir("keys", "instance.pem")
	if keyPath != filepath.Join(home, "keys", "instance.pem") {
		t.Errorf("Expected key under %s, got %s", home, keyPath)
	}
	info, err := os.Stat(filepath.Dir(keyPath))
	if err != nil {
		t.Fatalf("Key directory should exist: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("Key directory should be private, got %o", perm)
	}
}
