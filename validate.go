package drivekit

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrValidation is the base error for uploads rejected before any byte
// reaches a backend.
var ErrValidation = errors.New("upload validation failed")

// UploadConstraints restricts what the Transfer Engine will accept. The
// zero value accepts everything.
type UploadConstraints struct {
	// MaxSize rejects uploads with a known size above this many bytes.
	// Unknown-size streams are additionally enforced during the chunk
	// loop. Zero means unlimited.
	MaxSize int64

	// AllowedExtensions, when non-empty, is an allow-list of lowercase
	// extensions including the dot (".pdf"). BlockedExtensions is
	// checked first.
	AllowedExtensions []string
	BlockedExtensions []string

	// AllowedTypes, when non-empty, is an allow-list of MIME types
	// matched against the sniffed content type. A trailing "/*"
	// wildcard matches the whole top-level type ("image/*").
	AllowedTypes []string
}

// DefaultUploadConstraints blocks extensions that are executable on common
// platforms and leaves everything else open.
func DefaultUploadConstraints() UploadConstraints {
	return UploadConstraints{
		BlockedExtensions: []string{
			".exe", ".dll", ".bat", ".cmd", ".sh", ".msi", ".scr", ".com",
		},
	}
}

// CheckName validates filename and declared size. Called before the first
// byte is read.
func (c UploadConstraints) CheckName(name string, size int64) error {
	if c.MaxSize > 0 && size > c.MaxSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrValidation, size, c.MaxSize)
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, blocked := range c.BlockedExtensions {
		if ext == strings.ToLower(blocked) {
			return fmt.Errorf("%w: extension %s is blocked", ErrValidation, ext)
		}
	}
	if len(c.AllowedExtensions) > 0 {
		allowed := false
		for _, a := range c.AllowedExtensions {
			if ext == strings.ToLower(a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: extension %s is not allowed", ErrValidation, ext)
		}
	}
	return nil
}

// CheckContent validates the sniffed content type of the upload's first
// bytes.
func (c UploadConstraints) CheckContent(contentType string) error {
	if len(c.AllowedTypes) == 0 {
		return nil
	}
	// Strip parameters such as "; charset=utf-8" before matching.
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	for _, t := range c.AllowedTypes {
		if t == contentType {
			return nil
		}
		if prefix, ok := strings.CutSuffix(t, "/*"); ok &&
			strings.HasPrefix(contentType, prefix+"/") {
			return nil
		}
	}
	return fmt.Errorf("%w: content type %s is not allowed", ErrValidation, contentType)
}
