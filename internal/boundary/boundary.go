// Package boundary converts between gate results and the representations
// foreign callers understand: integer status codes, the two legacy sentinel
// strings, and lenient decoding of caller-supplied text.
//
// Ownership is defined per surface by the adapter that uses this package. The
// codec itself only copies: it never retains caller memory and never hands out
// memory the caller must release.
package boundary

import (
	"unicode/utf8"

	"github.com/thegrumpylion/fsgate/internal/gate"
	"go.uber.org/zap"
)

// Status codes shared by every integer-returning surface.
const (
	StatusOK           int32 = 0
	StatusAccessDenied int32 = -1
	StatusIOError      int32 = -2
	// StatusNotFound is only returned by surfaces that can report it
	// separately; the legacy write contract folds it into StatusIOError.
	StatusNotFound int32 = -3
)

// Legacy sentinels returned on the read text channel. They share the channel
// with file contents, so they are only used where byte-for-byte compatibility
// with existing callers is required.
const (
	SentinelAccessDenied = "ERROR: Access Denied"
	SentinelNotFound     = "ERROR: File not found"
)

// Text returns s if it is valid UTF-8 and the empty string otherwise. Callers
// passing malformed root or filename strings therefore get "" rather than a
// failure, which the gate then rejects as the root itself or an invalid root.
func Text(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	gate.Logger().Debug("malformed caller string replaced with empty string", zap.Int("bytes", len(s)))
	return ""
}

// TextBytes is Text for a byte slice copied out of foreign memory.
func TextBytes(b []byte) string {
	return Text(string(b))
}

// WriteStatus maps the outcome of a write to the legacy write contract:
// 0 success, -1 access denied, -2 any I/O error.
func WriteStatus(err error) int32 {
	switch gate.KindOf(err) {
	case gate.KindOK:
		return StatusOK
	case gate.KindAccessDenied:
		return StatusAccessDenied
	default:
		return StatusIOError
	}
}

// Status maps any outcome to a status code, keeping not-found distinct.
func Status(err error) int32 {
	switch gate.KindOf(err) {
	case gate.KindOK:
		return StatusOK
	case gate.KindAccessDenied:
		return StatusAccessDenied
	case gate.KindNotFound:
		return StatusNotFound
	default:
		return StatusIOError
	}
}

// ReadText maps the outcome of a read to the legacy text channel. Content that
// is not valid UTF-8 cannot be returned as text and is reported like a missing
// file, matching the legacy read-as-text contract.
func ReadText(data []byte, err error) string {
	switch gate.KindOf(err) {
	case gate.KindOK:
		if !utf8.Valid(data) {
			return SentinelNotFound
		}
		return string(data)
	case gate.KindAccessDenied:
		return SentinelAccessDenied
	default:
		return SentinelNotFound
	}
}

// LegacyWrite runs a write with legacy string inputs and returns the legacy
// status code.
func LegacyWrite(g *gate.Gate, root, filename, content string) int32 {
	return WriteStatus(g.Write(Text(root), Text(filename), []byte(content)))
}

// LegacyRead runs a read with legacy string inputs and returns the legacy text.
func LegacyRead(g *gate.Gate, root, filename string) string {
	return ReadText(g.Read(Text(root), Text(filename)))
}
