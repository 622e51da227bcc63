package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvCandidates(t *testing.T) {
	t.Parallel()

	got := envCandidates("deploy/prod.env", ".env")
	want := []string{"deploy/prod.env", "prod.env", ".env"}
	if len(got) != len(want) {
		t.Fatalf("unexpected candidates: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected candidate %d: got %q want %q", i, got[i], want[i])
		}
	}

	if got := envCandidates(".env", ".env"); len(got) != 1 {
		t.Fatalf("expected single candidate, got %v", got)
	}
}

func TestEnvLoader_LoadsFlagPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("ANNOUNCEMENTS_CLI_TEST=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ANNOUNCEMENTS_CLI_TEST", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	loader.lookupEnv = func(string) string { return "" }
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded != path {
		t.Fatalf("unexpected loaded path: got %q want %q", loaded, path)
	}
	if got := os.Getenv("ANNOUNCEMENTS_CLI_TEST"); got != "from-file" {
		t.Fatalf("unexpected env value: %q", got)
	}
}

func TestEnvLoader_MissingFile(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, filepath.Join(t.TempDir(), "missing.env"), "")
	loader.lookupEnv = func(string) string { return "" }

	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected missing file error")
	}
}
