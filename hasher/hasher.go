// Package hasher implements the canonical serialization and digest scheme
// that every identity in the system reduces to: a type-tagged,
// length-prefixed encoding of structured documents, hashed with SHA-256.
// Grounded on hashdist/core/hasher.py.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/hashdist/hit/internal/herrors"
)

// NoHashPrefix marks mapping keys whose values are stripped from the
// document before hashing, letting callers attach untracked metadata
// (parallelism hints, comments) without perturbing the digest.
const NoHashPrefix = "nohash_"

// Value is any of the structured types the canonical hasher can serialize:
// nil, bool, int64, float64, string, []byte, []Value, map[string]Value, or
// Opaque.
type Value interface{}

// Opaque represents a value that self-describes via a precomputed digest
// rather than being serialized structurally — envelope `O<L>:<type>:<L>:<digest>`.
type Opaque struct {
	Type   string
	Digest Digest
}

// Hash canonically serializes v and returns its digest.
func Hash(v Value) (Digest, error) {
	buf := make([]byte, 0, 256)
	buf, err := appendValue(buf, v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return FromSHA256(sum), nil
}

// Canonicalize strips nohash-prefixed keys recursively, returning a new
// value safe to pass to Hash, Serialize, or round-tripped back out for
// storage (the nohash keys are removed from the hashed form only — callers
// that need to retain them for storage should hash a stripped copy while
// persisting the original).
func Canonicalize(v Value) Value {
	switch t := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(t))
		for k, val := range t {
			if hasNoHashPrefix(k) {
				continue
			}
			out[k] = Canonicalize(val)
		}
		return out
	case []Value:
		out := make([]Value, len(t))
		for i, val := range t {
			out[i] = Canonicalize(val)
		}
		return out
	default:
		return v
	}
}

func hasNoHashPrefix(k string) bool {
	return len(k) >= len(NoHashPrefix) && k[:len(NoHashPrefix)] == NoHashPrefix
}

// Serialize returns the canonical byte-stream encoding of v without
// hashing it, exposed so callers (and tests) can inspect the exact
// envelope bytes for a value.
func Serialize(v Value) ([]byte, error) {
	return appendValue(nil, v)
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, 'N'), nil
	case bool:
		if t {
			return append(buf, 'T'), nil
		}
		return append(buf, 'F'), nil
	case int:
		return appendInt(buf, int64(t)), nil
	case int64:
		return appendInt(buf, t), nil
	case float64:
		if math.IsNaN(t) {
			return nil, herrors.ErrNaN
		}
		out := append(buf, 'F')
		var fb [8]byte
		binary.LittleEndian.PutUint64(fb[:], math.Float64bits(t))
		return append(out, fb[:]...), nil
	case string:
		return appendBytes(buf, []byte(t)), nil
	case []byte:
		return appendBytes(buf, t), nil
	case []Value:
		return appendSeq(buf, t)
	case map[string]Value:
		return appendMap(buf, t)
	case Opaque:
		return appendOpaque(buf, t)
	default:
		return nil, fmt.Errorf("%w: %T", herrors.ErrUnsupportedHashVal, v)
	}
}

func appendInt(buf []byte, n int64) []byte {
	s := strconv.FormatInt(n, 10)
	buf = append(buf, 'I')
	buf = appendLenColon(buf, len(s))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = append(buf, 'B')
	buf = appendLenColon(buf, len(b))
	return append(buf, b...)
}

func appendSeq(buf []byte, items []Value) ([]byte, error) {
	var payload []byte
	for _, item := range items {
		var err error
		payload, err = appendValue(payload, item)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, 'L')
	buf = appendLenColon(buf, len(payload))
	return append(buf, payload...), nil
}

func appendMap(buf []byte, m map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if hasNoHashPrefix(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload []byte
	for _, k := range keys {
		payload = appendBytes(payload, []byte(k))
		var err error
		payload, err = appendValue(payload, m[k])
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, 'D')
	buf = appendLenColon(buf, len(payload))
	return append(buf, payload...), nil
}

// appendOpaque writes the literal grammar O<L>:<type-tag>:<L>:<digest>,
// where the outer L covers everything after the first colon.
func appendOpaque(buf []byte, o Opaque) ([]byte, error) {
	digestBytes := []byte(o.Digest)
	inner := append([]byte(o.Type), ':')
	inner = strconv.AppendInt(inner, int64(len(digestBytes)), 10)
	inner = append(inner, ':')
	inner = append(inner, digestBytes...)

	buf = append(buf, 'O')
	buf = appendLenColon(buf, len(inner))
	return append(buf, inner...), nil
}

func appendLenColon(buf []byte, n int) []byte {
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, ':')
}
