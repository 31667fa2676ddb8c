package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrMissingDeviceID = errors.New("identity packet missing deviceId")
)

// Packet is a single typed message exchanged over a channel.
//
// A Packet owns its Body: every constructor deep-copies its input, so the
// caller may keep mutating whatever it passed in.
type Packet struct {
	ID   int64          `json:"id"`
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}

// New creates a packet of the given type with a deep copy of body
func New(packetType string, body map[string]any) (*Packet, error) {
	if packetType == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedPacket)
	}

	copied, err := copyObject(body)
	if err != nil {
		return nil, err
	}

	return &Packet{Type: packetType, Body: copied}, nil
}

// FromText parses one line of wire text. A trailing newline is optional.
func FromText(text string) (*Packet, error) {
	text = strings.TrimRight(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedPacket)
	}

	// numbers are decoded as literals so integers keep full int64 precision
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedPacket)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPacket)
	}
	if err := resolveNumbers(obj); err != nil {
		return nil, err
	}

	// freshly decoded, nothing else holds a reference
	return fromObject(obj)
}

// FromValue builds a packet from a mapping with "id", "type" and "body"
// keys. The mapping is deep-copied; cycles and values JSON cannot
// represent are rejected.
func FromValue(mapping map[string]any) (*Packet, error) {
	if mapping == nil {
		return nil, fmt.Errorf("%w: nil mapping", ErrMalformedPacket)
	}

	copied, err := copyObject(mapping)
	if err != nil {
		return nil, err
	}

	return fromObject(copied)
}

// From wraps a packet-like value: *Packet, Packet, map[string]any, or the
// wire text as string or []byte.
func From(v any) (*Packet, error) {
	switch p := v.(type) {
	case *Packet:
		if p == nil {
			return nil, fmt.Errorf("%w: nil packet", ErrMalformedPacket)
		}
		return p.Clone()
	case Packet:
		return p.Clone()
	case map[string]any:
		return FromValue(p)
	case string:
		return FromText(p)
	case []byte:
		return FromText(string(p))
	default:
		return nil, fmt.Errorf("%w: unsupported value %T", ErrMalformedPacket, v)
	}
}

func fromObject(obj map[string]any) (*Packet, error) {
	p := &Packet{}

	packetType, ok := obj["type"].(string)
	if !ok || packetType == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPacket)
	}
	p.Type = packetType

	if id, exists := obj["id"]; exists && id != nil {
		n, ok := toInt64(id)
		if !ok {
			return nil, fmt.Errorf("%w: id is %T, want number", ErrMalformedPacket, id)
		}
		p.ID = n
	}

	switch body := obj["body"].(type) {
	case nil:
		p.Body = make(map[string]any)
	case map[string]any:
		p.Body = body
	default:
		return nil, fmt.Errorf("%w: body is %T, want object", ErrMalformedPacket, body)
	}

	return p, nil
}

// Clone returns a deep copy of the packet
func (p *Packet) Clone() (*Packet, error) {
	body, err := copyObject(p.Body)
	if err != nil {
		return nil, err
	}
	return &Packet{ID: p.ID, Type: p.Type, Body: body}, nil
}

// Serialize stamps the packet with the current time and returns its wire
// form, terminated by a single newline. Each call yields a new id.
func (p *Packet) Serialize() ([]byte, error) {
	p.ID = time.Now().UnixMilli()

	if p.Body == nil {
		p.Body = make(map[string]any)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	// the encoder never emits raw newlines, but be certain the frame is one line
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("%w: newline in encoded packet", ErrMalformedPacket)
	}

	return append(data, '\n'), nil
}

// String returns the text form without stamping a new id
func (p *Packet) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("{type:%s (unencodable)}", p.Type)
	}
	return string(data)
}

// copyObject deep-copies a JSON-shaped object
func copyObject(obj map[string]any) (map[string]any, error) {
	if obj == nil {
		return make(map[string]any), nil
	}

	seen := make(map[uintptr]bool)
	out, err := deepCopy(reflect.ValueOf(obj), seen)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func deepCopy(v reflect.Value, seen map[uintptr]bool) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if isNumberLiteral(v.Type()) {
		return json.Number(v.String()), nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		if v.Kind() == reflect.Pointer {
			ptr := v.Pointer()
			if seen[ptr] {
				return nil, fmt.Errorf("%w: cyclic value", ErrMalformedPacket)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return deepCopy(v.Elem(), seen)

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrMalformedPacket, v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil, fmt.Errorf("%w: cyclic value", ErrMalformedPacket)
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := deepCopy(iter.Value(), seen)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte marshals as base64 text
			return marshalRoundTrip(v.Interface())
		}
		ptr := v.Pointer()
		if v.Len() > 0 {
			if seen[ptr] {
				return nil, fmt.Errorf("%w: cyclic value", ErrMalformedPacket)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return copyList(v, seen)

	case reflect.Array:
		return copyList(v, seen)

	case reflect.String:
		return v.String(), nil

	case reflect.Bool:
		return v.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrMalformedPacket)
		}
		return f, nil

	case reflect.Struct:
		return marshalRoundTrip(v.Interface())

	default:
		return nil, fmt.Errorf("%w: unsupported value of kind %s", ErrMalformedPacket, v.Kind())
	}
}

// isNumberLiteral matches json.Number from either encoding/json or go-json
func isNumberLiteral(t reflect.Type) bool {
	return t.Kind() == reflect.String && t.Name() == "Number" && strings.HasSuffix(t.PkgPath(), "json")
}

func copyList(v reflect.Value, seen map[uintptr]bool) ([]any, error) {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem, err := deepCopy(v.Index(i), seen)
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

// marshalRoundTrip normalises values the walker does not descend into
// (structs, byte slices) into their generic JSON form.
func marshalRoundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return out, nil
}

// resolveNumbers replaces decoded number literals in place: integers that
// fit become int64, everything else float64
func resolveNumbers(v any) error {
	switch c := v.(type) {
	case map[string]any:
		for k, elem := range c {
			n, err := resolveNumber(elem)
			if err != nil {
				return err
			}
			c[k] = n
		}
	case []any:
		for i, elem := range c {
			n, err := resolveNumber(elem)
			if err != nil {
				return err
			}
			c[i] = n
		}
	}
	return nil
}

func resolveNumber(v any) (any, error) {
	n, ok := v.(json.Number)
	if !ok {
		return v, resolveNumbers(v)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: number %s out of range", ErrMalformedPacket, n)
	}
	return f, nil
}

// float64(math.MaxInt64) rounds up to 2^63, which does not fit
const maxInt64Float = float64(1 << 63)

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n >= maxInt64Float || n < -maxInt64Float {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt64(float64(n))
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
