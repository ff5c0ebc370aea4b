// Package uploads enforces the upload acceptance rules: a size cap, a
// MIME whitelist sniffed from the content signature, a lightweight binary
// check for declared text types, and confinement of the written file
// beneath a canonical uploads root.
package uploads

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxSize is the upload size cap.
const MaxSize = 10 * 1024 * 1024

// Whitelisted MIME types.
var allowedMIME = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"text/plain":       ".txt",
	"text/markdown":    ".md",
	"application/json": ".json",
	"text/csv":         ".csv",
}

var imageMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// ErrTooLarge, ErrUnsupportedType, ErrContentMismatch, ErrPathEscape are
// the rejection reasons surfaced to the adapter caller.
var (
	ErrTooLarge         = fmt.Errorf("upload exceeds %d byte limit", MaxSize)
	ErrUnsupportedType  = fmt.Errorf("unsupported upload content type")
	ErrContentMismatch  = fmt.Errorf("sniffed content signature does not match declared type")
	ErrBinaryTextUpload = fmt.Errorf("declared text upload contains binary content")
	ErrPathEscape       = fmt.Errorf("resolved upload path escapes the uploads root")
)

// Validate checks size and MIME/content rules without touching disk.
// declaredMIME is the type asserted by the uploading client; for image
// types it must match the sniffed signature exactly").
func Validate(data []byte, declaredMIME string) (ext string, err error) {
	if len(data) > MaxSize {
		return "", ErrTooLarge
	}
	ext, ok := allowedMIME[declaredMIME]
	if !ok {
		return "", ErrUnsupportedType
	}

	if imageMIME[declaredMIME] {
		sniffed := http.DetectContentType(data)
		// http.DetectContentType appends a charset/params suffix for some
		// types; only the base media type needs to match.
		base, _, _ := strings.Cut(sniffed, ";")
		if strings.TrimSpace(base) != declaredMIME {
			return "", ErrContentMismatch
		}
		return ext, nil
	}

	if err := validateTextContent(data); err != nil {
		return "", err
	}
	return ext, nil
}

// validateTextContent checks declared text types: "no NUL, <8
// control-char outliers in first 4 KiB".
func validateTextContent(data []byte) error {
	window := data
	if len(window) > 4096 {
		window = window[:4096]
	}
	if bytes.IndexByte(window, 0) >= 0 {
		return ErrBinaryTextUpload
	}
	outliers := 0
	for _, b := range window {
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			outliers++
		}
	}
	if outliers >= 8 {
		return ErrBinaryTextUpload
	}
	return nil
}

// Store validates data then writes it beneath root, confined to
// <root>/<projectAlias>/<scopeID>/<uuid>.<ext>. If the written file's
// canonical path ever resolves outside root's canonical form, the write
// is rolled back and ErrPathEscape is returned.
func Store(root, projectAlias, scopeID string, data []byte, declaredMIME string) (serverPath string, err error) {
	ext, err := Validate(data, declaredMIME)
	if err != nil {
		return "", err
	}

	canonicalRoot, err := canonicalDir(root)
	if err != nil {
		return "", fmt.Errorf("resolve uploads root: %w", err)
	}

	dir := filepath.Join(canonicalRoot, projectAlias, scopeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload scope dir: %w", err)
	}

	name := uuid.NewString() + ext
	target := filepath.Join(dir, name)

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("resolve written path: %w", err)
	}
	if !isWithin(canonicalRoot, resolved) {
		_ = os.Remove(target)
		return "", ErrPathEscape
	}
	return resolved, nil
}

func canonicalDir(root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(root)
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ConfinedToRoot reports whether path, after canonicalization, lies
// strictly beneath the canonical form of root. Used wherever a server
// path is accepted from outside instead of produced by Store.
func ConfinedToRoot(root, path string) bool {
	canonicalRoot, err := canonicalDir(root)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	return isWithin(canonicalRoot, resolved)
}

// CleanupScope removes every file recorded for a scope directory; the
// caller (adapter API's cleanup_task_upload_dir) supplies the list of
// server paths already persisted in storage.
func CleanupScope(serverPaths []string) {
	for _, p := range serverPaths {
		_ = os.Remove(p)
	}
}
