// Package fingerprint computes order-insensitive content hashes of CV documents.
//
// A fingerprint is SHA-256 over a canonical serialization: object keys are
// sorted, arrays keep their order, strings are NFC normalized, and fields that
// differ incidentally between a local and a remote copy (the photo reference
// and cosmetic flags) are excluded.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"golang.org/x/text/unicode/norm"
)

// Domain separates document fingerprints from any other hash in the system.
const Domain = "cvsync/document-fingerprint/v1"

// ErrUnsupportedValue indicates a document value that cannot be canonicalised.
var ErrUnsupportedValue = errors.New("fingerprint: unsupported value")

// Exclusions lists document fields left out of the fingerprint.
type Exclusions struct {
	// Paths are exact key paths from the document root.
	Paths [][]string
	// Keys are dropped wherever they appear.
	Keys []string
}

// DefaultExclusions drops the photo reference and the cosmetic ordering flags.
func DefaultExclusions() Exclusions {
	return Exclusions{
		Paths: [][]string{{cv.PersonalSectionKey, cv.PhotoFieldKey}},
		Keys:  []string{"collapsed", "sortLocked"},
	}
}

// Fingerprinter hashes documents under a fixed set of exclusions.
type Fingerprinter struct {
	paths map[string]struct{}
	keys  map[string]struct{}
}

// New constructs a Fingerprinter.
func New(exclusions Exclusions) *Fingerprinter {
	paths := make(map[string]struct{}, len(exclusions.Paths))
	for _, path := range exclusions.Paths {
		paths[joinPath(path)] = struct{}{}
	}
	keys := make(map[string]struct{}, len(exclusions.Keys))
	for _, key := range exclusions.Keys {
		keys[key] = struct{}{}
	}
	return &Fingerprinter{paths: paths, keys: keys}
}

var defaultFingerprinter = New(DefaultExclusions())

// Fingerprint hashes a document with the default exclusions.
func Fingerprint(document cv.Document) (string, error) {
	return defaultFingerprinter.Compute(document)
}

// Compute returns the hex-encoded fingerprint of the document.
func (f *Fingerprinter) Compute(document cv.Document) (string, error) {
	canonical, err := f.Canonical(document)
	if err != nil {
		return "", err
	}
	return hashWithDomain(Domain, canonical), nil
}

// Canonical returns the canonical serialization the fingerprint is computed over.
func (f *Fingerprinter) Canonical(document cv.Document) ([]byte, error) {
	if document == nil {
		document = cv.Document{}
	}
	// Round-trip through JSON so typed Go values and decoded remote values
	// share one representation.
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}

	var buf bytes.Buffer
	if err := f.writeValue(&buf, generic, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Differ reports whether two documents are meaningfully different. A document
// that cannot be fingerprinted is treated as different.
func (f *Fingerprinter) Differ(left, right cv.Document) bool {
	leftSum, err := f.Compute(left)
	if err != nil {
		return true
	}
	rightSum, err := f.Compute(right)
	if err != nil {
		return true
	}
	return leftSum != rightSum
}

func (f *Fingerprinter) writeValue(buf *bytes.Buffer, value any, path []string) error {
	switch typed := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if typed {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case float64:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		buf.Write(encoded)
	case string:
		return writeString(buf, typed)
	case []any:
		buf.WriteByte('[')
		for index, element := range typed {
			if index > 0 {
				buf.WriteByte(',')
			}
			if err := f.writeValue(buf, element, path); err != nil {
				return fmt.Errorf("[%d]: %w", index, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			if f.excluded(path, key) {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for index, key := range keys {
			if index > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := f.writeValue(buf, typed[key], append(path, key)); err != nil {
				return fmt.Errorf("%q: %w", key, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	return nil
}

func (f *Fingerprinter) excluded(parent []string, key string) bool {
	if _, ok := f.keys[key]; ok {
		return true
	}
	if len(f.paths) == 0 {
		return false
	}
	_, ok := f.paths[joinPath(append(append([]string(nil), parent...), key))]
	return ok
}

func writeString(buf *bytes.Buffer, value string) error {
	var encoded bytes.Buffer
	encoder := json.NewEncoder(&encoded)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(norm.NFC.String(value)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	buf.Write(bytes.TrimSuffix(encoded.Bytes(), []byte{'\n'}))
	return nil
}

func joinPath(path []string) string {
	var buf bytes.Buffer
	for index, segment := range path {
		if index > 0 {
			buf.WriteByte(0x00)
		}
		buf.WriteString(segment)
	}
	return buf.String()
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
