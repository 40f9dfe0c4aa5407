package drivekit

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Cursor is an opaque, serializable resume point for a paginated listing.
// It wraps a backend-native continuation token together with the backend
// identifier and path it was issued for; presenting it against any other
// backend or path fails with ErrInvalidCursor. Callers must treat the
// string as opaque.
type Cursor string

// cursorVersion guards the envelope layout so stale cursors from older
// deployments are rejected instead of misparsed.
const cursorVersion = byte(1)

// IsZero reports whether the cursor is empty (start from the beginning).
func (c Cursor) IsZero() bool {
	return c == ""
}

// EncodeCursor seals a backend-native continuation token into an opaque
// cursor bound to the issuing backend and path. An empty native token
// yields the zero cursor: an exhausted listing has nothing to resume.
func EncodeCursor(backendID string, path Path, nativeToken string) Cursor {
	if nativeToken == "" {
		return ""
	}
	payload := cursorPayload(backendID, path, nativeToken)

	buf := make([]byte, 0, 9+len(payload))
	buf = append(buf, cursorVersion)
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64String(payload))
	buf = append(buf, payload...)
	return Cursor(base64.RawURLEncoding.EncodeToString(buf))
}

// DecodeCursor unwraps a cursor into the backend identifier, path, and
// native token it was issued for. Corrupt or truncated cursors return
// ErrInvalidCursor.
func DecodeCursor(c Cursor) (backendID string, path Path, nativeToken string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return "", Path{}, "", fmt.Errorf("%w: undecodable", ErrInvalidCursor)
	}
	if len(raw) < 10 || raw[0] != cursorVersion {
		return "", Path{}, "", fmt.Errorf("%w: bad envelope", ErrInvalidCursor)
	}
	payload := string(raw[9:])
	if binary.BigEndian.Uint64(raw[1:9]) != xxhash.Sum64String(payload) {
		return "", Path{}, "", fmt.Errorf("%w: integrity check failed", ErrInvalidCursor)
	}

	parts := strings.SplitN(payload, "\x00", 3)
	if len(parts) != 3 {
		return "", Path{}, "", fmt.Errorf("%w: bad payload", ErrInvalidCursor)
	}
	p, perr := ParsePath(parts[1])
	if perr != nil {
		return "", Path{}, "", fmt.Errorf("%w: bad path", ErrInvalidCursor)
	}
	return parts[0], p, parts[2], nil
}

// ResolveCursor validates that c was issued for backendID and path and
// returns the wrapped native token. The zero cursor resolves to the empty
// token (start at the first page). A cursor issued elsewhere returns
// ErrInvalidCursor, forbidding cross-backend cursor reuse categorically.
func ResolveCursor(c Cursor, backendID string, path Path) (string, error) {
	if c.IsZero() {
		return "", nil
	}
	id, p, token, err := DecodeCursor(c)
	if err != nil {
		return "", err
	}
	if id != backendID {
		return "", fmt.Errorf("%w: issued for backend %q", ErrInvalidCursor, id)
	}
	if !p.Equal(path) {
		return "", fmt.Errorf("%w: issued for path %q", ErrInvalidCursor, p)
	}
	return token, nil
}

func cursorPayload(backendID string, path Path, token string) string {
	// NUL never appears in a backend ID or a validated path segment, so it
	// is a safe field separator. Native tokens may contain anything; the
	// token is the final field.
	return backendID + "\x00" + path.String() + "\x00" + token
}
