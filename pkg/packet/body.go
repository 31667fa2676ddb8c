package packet

import "math"

// GetString returns a string body field, or "" when absent or not a string
func (p *Packet) GetString(key string) string {
	s, _ := p.Body[key].(string)
	return s
}

// GetInt returns a numeric body field as int64. Fractional values are
// rejected.
func (p *Packet) GetInt(key string) (int64, bool) {
	v, exists := p.Body[key]
	if !exists || v == nil {
		return 0, false
	}
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return 0, false
	}
	return toInt64(v)
}

// GetBool returns a boolean body field
func (p *Packet) GetBool(key string) bool {
	b, _ := p.Body[key].(bool)
	return b
}

// GetStrings returns a list-of-strings body field, skipping non-string items
func (p *Packet) GetStrings(key string) []string {
	items, ok := p.Body[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetObject returns a nested object body field
func (p *Packet) GetObject(key string) (map[string]any, bool) {
	obj, ok := p.Body[key].(map[string]any)
	return obj, ok
}

// Has reports whether the body carries key
func (p *Packet) Has(key string) bool {
	_, ok := p.Body[key]
	return ok
}

// Set stores a deep copy of value under key. Packets already queued for
// sending must not be modified.
func (p *Packet) Set(key string, value any) error {
	wrapped, err := copyObject(map[string]any{key: value})
	if err != nil {
		return err
	}
	if p.Body == nil {
		p.Body = make(map[string]any)
	}
	p.Body[key] = wrapped[key]
	return nil
}

// PayloadSize returns the announced payload size, or -1 when none
func (p *Packet) PayloadSize() int64 {
	size, ok := p.GetInt(KeyPayloadSize)
	if !ok || size < 0 {
		return -1
	}
	return size
}

// PayloadPort returns the port from payloadTransferInfo, or 0 when none
func (p *Packet) PayloadPort() int {
	info, ok := p.GetObject(KeyPayloadTransferInfo)
	if !ok {
		return 0
	}
	port, ok := toInt64(info["port"])
	if !ok || port <= 0 || port > 65535 {
		return 0
	}
	return int(port)
}

// SetPayload announces a payload of size bytes reachable on port
func (p *Packet) SetPayload(size int64, port int) {
	if p.Body == nil {
		p.Body = make(map[string]any)
	}
	p.Body[KeyPayloadSize] = size
	p.Body[KeyPayloadTransferInfo] = map[string]any{"port": int64(port)}
}
