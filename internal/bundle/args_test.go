package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func setupTestFiles(t *testing.T, files map[string]string) []string {
	t.Helper()
	tmpDir := t.TempDir()
	var paths []string
	for name, content := range files {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func assertValidationError(t *testing.T, err error, expectedArg, expectedCause string) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
	}
	if ve.Arg != expectedArg {
		t.Errorf("expected Arg %q, got %q", expectedArg, ve.Arg)
	}
	if ve.Cause != expectedCause {
		t.Errorf("expected Cause %q, got %q", expectedCause, ve.Cause)
	}
}

func TestParseArgs(t *testing.T) {
	t.Run("no arguments", func(t *testing.T) {
		_, err := ParseArgs(nil)
		assertValidationError(t, err, "<paths>", "no files provided")
	})

	t.Run("single file", func(t *testing.T) {
		paths := setupTestFiles(t, map[string]string{"a.csv": "x"})
		parsed, err := ParseArgs(paths)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(parsed) != 1 || parsed[0].Kind != PathFile || parsed[0].FullPath != paths[0] {
			t.Errorf("unexpected result: %+v", parsed)
		}
	})

	t.Run("directory", func(t *testing.T) {
		dir := t.TempDir()
		parsed, err := ParseArgs([]string{dir})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed[0].Kind != PathDir {
			t.Errorf("expected dir, got %s", parsed[0].Kind)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "nope.csv")
		_, err := ParseArgs([]string{missing})
		assertValidationError(t, err, missing, "not found or not accessible")
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		paths := setupTestFiles(t, map[string]string{"a.csv": "x"})
		parsed, err := ParseArgs([]string{paths[0], paths[0] + "/.", paths[0]})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(parsed) != 1 {
			t.Errorf("expected 1 path, got %d", len(parsed))
		}
	})

	t.Run("cleans paths", func(t *testing.T) {
		dir := t.TempDir()
		parsed, err := ParseArgs([]string{dir + "/./"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed[0].FullPath != filepath.Clean(dir) {
			t.Errorf("expected %q, got %q", filepath.Clean(dir), parsed[0].FullPath)
		}
	})
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Arg: "x.csv", Cause: "not found"}
	want := `invalid argument "x.csv": not found`
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
