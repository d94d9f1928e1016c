// Package serializer turns assembly data into whitelisted JSON documents and
// back, and wraps a storage.KV as a keyed persistent namespace.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/stitchworks/crochet3d/internal/logging"
)

var (
	// ErrSerialization is returned for payloads that cannot be represented:
	// non-finite numbers, encoder failures, trees nested too deep, or a root
	// value rejected by the type gate.
	ErrSerialization = errors.New("serialization error")
)

// DefaultMaxDepth is the deepest container nesting accepted.
const DefaultMaxDepth = 10

// Sanitizer applies the key whitelist, depth cap and type gate.
type Sanitizer struct {
	vocab    map[string]struct{}
	maxDepth int
	log      logging.Logger
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithSchemaVersion selects the vocabulary version.
func WithSchemaVersion(v int) Option {
	return func(s *Sanitizer) { s.vocab = Vocabulary(v) }
}

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(d int) Option {
	return func(s *Sanitizer) {
		if d > 0 {
			s.maxDepth = d
		}
	}
}

// WithLogger attaches a logger for dropped keys and stripped values.
func WithLogger(l logging.Logger) Option {
	return func(s *Sanitizer) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a sanitizer for the current schema version.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		vocab:    Vocabulary(SchemaVersion),
		maxDepth: DefaultMaxDepth,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sanitize returns a plain tree (map[string]any, []any, string, float64,
// bool, nil) holding only whitelisted keys.
func (s *Sanitizer) Sanitize(v any) (any, error) {
	out, keep, err := s.walk(v, 1)
	if err != nil {
		return nil, err
	}
	if !keep {
		return nil, fmt.Errorf("%w: payload rejected by type gate", ErrSerialization)
	}
	return out, nil
}

// Serialize sanitizes v and encodes it as JSON.
func (s *Sanitizer) Serialize(v any) ([]byte, error) {
	tree, err := s.Sanitize(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// Deserialize parses data and re-sanitizes the result.
func (s *Sanitizer) Deserialize(data []byte) (any, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return s.Sanitize(tree)
}

// DecodeInto deserializes data and decodes the sanitized tree into dst.
func (s *Sanitizer) DecodeInto(data []byte, dst any) error {
	tree, err := s.Deserialize(data)
	if err != nil {
		return err
	}
	return Convert(tree, dst)
}

// Convert re-encodes a plain tree into a typed destination.
func Convert(tree any, dst any) error {
	b, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

func (s *Sanitizer) walk(v any, depth int) (any, bool, error) {
	switch t := v.(type) {
	case nil:
		return nil, true, nil
	case bool, string, json.Number:
		return t, true, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, false, fmt.Errorf("%w: non-finite number", ErrSerialization)
		}
		return t, true, nil
	case float32:
		return s.walk(float64(t), depth)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t, true, nil
	case map[string]any:
		return s.walkMap(t, depth)
	case []any:
		return s.walkSlice(len(t), func(i int) any { return t[i] }, depth)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		s.log.Debug(context.Background(), "serializer stripped value", logging.String("kind", rv.Kind().String()))
		return nil, false, nil
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = iter.Value().Interface()
			}
			return s.walkMap(m, depth)
		}
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() != reflect.Uint8 {
			return s.walkSlice(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth)
		}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, true, nil
		}
	}

	// Structs and other typed values go through their JSON form.
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var tree any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return s.walk(tree, depth)
}

func (s *Sanitizer) walkMap(m map[string]any, depth int) (any, bool, error) {
	if depth > s.maxDepth {
		return nil, false, fmt.Errorf("%w: nesting deeper than %d", ErrSerialization, s.maxDepth)
	}
	for _, marker := range frameworkMarkers {
		if mv, ok := m[marker]; ok && mv != nil && mv != false {
			s.log.Debug(context.Background(), "serializer stripped framework object", logging.String("marker", marker))
			return nil, false, nil
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		if _, ok := s.vocab[k]; !ok {
			s.log.Debug(context.Background(), "serializer dropped key", logging.String("key", k))
			continue
		}
		val, keep, err := s.walk(m[k], depth+1)
		if err != nil {
			return nil, false, err
		}
		if keep {
			out[k] = val
		}
	}
	return out, true, nil
}

func (s *Sanitizer) walkSlice(n int, at func(int) any, depth int) (any, bool, error) {
	if depth > s.maxDepth {
		return nil, false, fmt.Errorf("%w: nesting deeper than %d", ErrSerialization, s.maxDepth)
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		val, keep, err := s.walk(at(i), depth+1)
		if err != nil {
			return nil, false, err
		}
		if keep {
			out = append(out, val)
		}
	}
	return out, true, nil
}
