package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in         string
		key, value string
		ok         bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"  KEY = spaced  ", "KEY", "spaced", true},
		{"export KEY=exported", "KEY", "exported", true},
		{`KEY="quoted value"`, "KEY", "quoted value", true},
		{"KEY='single quoted'", "KEY", "single quoted", true},
		{"KEY=", "KEY", "", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"no_assignment", "", "", false},
		{"=value_without_key", "", "", false},
	}
	for _, tc := range cases {
		key, value, ok := parseLine(tc.in)
		if key != tc.key || value != tc.value || ok != tc.ok {
			t.Errorf("parseLine(%q) = %q, %q, %v; want %q, %q, %v",
				tc.in, key, value, ok, tc.key, tc.value, tc.ok)
		}
	}
}

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# relay credentials\n" +
		"VOXWIRE_UPSTREAM_API_KEY=file_key\n" +
		"VOXWIRE_ADDR=\":9990\"\n" +
		"export VOXWIRE_LOG_LEVEL=debug\n" +
		"VOXWIRE_LOG_FORMAT=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("VOXWIRE_LOG_FORMAT", "json")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("VOXWIRE_UPSTREAM_API_KEY"); got != "file_key" {
		t.Errorf("VOXWIRE_UPSTREAM_API_KEY = %q", got)
	}
	if got := os.Getenv("VOXWIRE_ADDR"); got != ":9990" {
		t.Errorf("VOXWIRE_ADDR = %q, want quotes stripped", got)
	}
	if got := os.Getenv("VOXWIRE_LOG_LEVEL"); got != "debug" {
		t.Errorf("VOXWIRE_LOG_LEVEL = %q", got)
	}
	if got := os.Getenv("VOXWIRE_LOG_FORMAT"); got != "json" {
		t.Errorf("VOXWIRE_LOG_FORMAT = %q, want existing value preserved", got)
	}
}
