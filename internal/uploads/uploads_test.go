package uploads

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func TestValidateAcceptsMatchingImage(t *testing.T) {
	ext, err := Validate(pngSignature, "image/png")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ext != ".png" {
		t.Fatalf("ext = %q", ext)
	}
}

func TestValidateRejectsMismatchedImageSignature(t *testing.T) {
	fakePNG := []byte("this is not actually a png file, just text pretending")
	if _, err := Validate(fakePNG, "image/png"); err != ErrContentMismatch {
		t.Fatalf("err = %v, want ErrContentMismatch", err)
	}
}

func TestValidateRejectsUnsupportedType(t *testing.T) {
	if _, err := Validate([]byte("data"), "application/x-executable"); err != ErrUnsupportedType {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestValidateRejectsOversizedUpload(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxSize+1)
	if _, err := Validate(big, "text/plain"); err != ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestValidateAcceptsPlainText(t *testing.T) {
	if _, err := Validate([]byte("hello, this is plain text\nwith a newline"), "text/plain"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsTextWithNUL(t *testing.T) {
	data := append([]byte("hello"), 0x00, 'w', 'o', 'r', 'l', 'd')
	if _, err := Validate(data, "text/plain"); err != ErrBinaryTextUpload {
		t.Fatalf("err = %v, want ErrBinaryTextUpload", err)
	}
}

func TestValidateRejectsTextWithManyControlChars(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 10)
	if _, err := Validate(data, "text/csv"); err != ErrBinaryTextUpload {
		t.Fatalf("err = %v, want ErrBinaryTextUpload", err)
	}
}

func TestStoreWritesUnderConfinedPath(t *testing.T) {
	root := t.TempDir()
	serverPath, err := Store(root, "alpha", "scope-1", []byte("hello world"), "text/plain")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	canonicalRoot, _ := filepath.EvalSymlinks(root)
	if !strings.HasPrefix(serverPath, canonicalRoot) {
		t.Fatalf("server path %q not under root %q", serverPath, canonicalRoot)
	}
	if !strings.Contains(serverPath, filepath.Join("alpha", "scope-1")) {
		t.Fatalf("server path %q missing project/scope segments", serverPath)
	}
	if _, err := os.Stat(serverPath); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestStoreRejectsInvalidContentAndLeavesNoFile(t *testing.T) {
	root := t.TempDir()
	_, err := Store(root, "alpha", "scope-1", []byte("not a png"), "image/png")
	if err != ErrContentMismatch {
		t.Fatalf("err = %v, want ErrContentMismatch", err)
	}
	scopeDir := filepath.Join(root, "alpha", "scope-1")
	entries, _ := os.ReadDir(scopeDir)
	if len(entries) != 0 {
		t.Fatalf("expected no files written, found %d", len(entries))
	}
}

func TestCleanupScopeRemovesFiles(t *testing.T) {
	root := t.TempDir()
	p1, err := Store(root, "alpha", "scope-1", []byte("one"), "text/plain")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	p2, err := Store(root, "alpha", "scope-1", []byte("two"), "text/plain")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	CleanupScope([]string{p1, p2})
	if _, err := os.Stat(p1); !os.IsNotExist(err) {
		t.Fatal("expected p1 to be removed")
	}
	if _, err := os.Stat(p2); !os.IsNotExist(err) {
		t.Fatal("expected p2 to be removed")
	}
}
