// Package blob stores claim document bytes behind an opaque key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

var (
	ErrNotExist = errors.New("blob does not exist")
	ErrTooLarge = errors.New("blob exceeds size limit")
	ErrBadKey   = errors.New("invalid blob key")
)

// Store persists document bytes. Put returns the number of bytes written.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// DefaultMaxSize caps a single document at 25 MiB.
const DefaultMaxSize int64 = 25 << 20

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces a client filename to a safe final path element.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > 128 {
		name = name[len(name)-128:]
	}
	return name
}

// DocumentKey builds the storage key claims/<claim>/<document>/<filename>.
func DocumentKey(claimID, documentID, filename string) string {
	return fmt.Sprintf("claims/%s/%s/%s", claimID, documentID, SanitizeFilename(filename))
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "../") || key == ".." {
		return fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return nil
}
