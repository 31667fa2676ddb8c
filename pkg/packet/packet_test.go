package packet

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestFromTextValid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantID   int64
		wantBody string
	}{
		{
			name:     "full packet with newline",
			input:    `{"id":1234,"type":"zentalk.ping","body":{"message":"hi"}}` + "\n",
			wantType: "zentalk.ping",
			wantID:   1234,
			wantBody: `{"message":"hi"}`,
		},
		{
			name:     "no trailing delimiter",
			input:    `{"id":1,"type":"zentalk.battery","body":{"charge":42,"charging":true}}`,
			wantType: "zentalk.battery",
			wantID:   1,
			wantBody: `{"charge":42,"charging":true}`,
		},
		{
			name:     "crlf terminated",
			input:    `{"id":5,"type":"a.b","body":{}}` + "\r\n",
			wantType: "a.b",
			wantID:   5,
			wantBody: `{}`,
		},
		{
			name:     "missing body becomes empty",
			input:    `{"id":7,"type":"a.b"}`,
			wantType: "a.b",
			wantID:   7,
			wantBody: `{}`,
		},
		{
			name:     "missing id",
			input:    `{"type":"a.b","body":{"x":[1,2,3]}}`,
			wantType: "a.b",
			wantID:   0,
			wantBody: `{"x":[1,2,3]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromText(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantID, p.ID)
			assert.JSONEq(t, tt.wantBody, mustJSON(t, p.Body))
		})
	}
}

func TestFromTextMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"only newline", "\n"},
		{"not json", "hello world"},
		{"truncated", `{"id":1,"type":"a.b","body":{`},
		{"array", `[1,2,3]`},
		{"string", `"zentalk.ping"`},
		{"missing type", `{"id":1,"body":{}}`},
		{"empty type", `{"id":1,"type":"","body":{}}`},
		{"numeric type", `{"id":1,"type":7,"body":{}}`},
		{"string id", `{"id":"abc","type":"a.b","body":{}}`},
		{"fractional id", `{"id":1.5,"type":"a.b","body":{}}`},
		{"body is list", `{"id":1,"type":"a.b","body":[1]}`},
		{"body is string", `{"id":1,"type":"a.b","body":"x"}`},
		{"trailing data", `{"id":1,"type":"a.b","body":{}} {}`},
		{"number out of range", `{"id":1,"type":"a.b","body":{"n":1e400}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromText(tt.input)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestSerializeFormat(t *testing.T) {
	p, err := New("zentalk.ping", map[string]any{"message": "hello"})
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	data, err := p.Serialize()
	require.NoError(t, err)
	after := time.Now().UnixMilli()

	require.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "exactly one terminator")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Len(t, fields, 3)
	assert.Contains(t, fields, "id")
	assert.Contains(t, fields, "type")
	assert.Contains(t, fields, "body")

	assert.GreaterOrEqual(t, p.ID, before)
	assert.LessOrEqual(t, p.ID, after)
}

func TestSerializeAssignsFreshID(t *testing.T) {
	p, err := New("zentalk.ping", nil)
	require.NoError(t, err)
	p.ID = 1

	first, err := p.Serialize()
	require.NoError(t, err)
	firstID := p.ID
	assert.NotEqual(t, int64(1), firstID)

	time.Sleep(3 * time.Millisecond)

	second, err := p.Serialize()
	require.NoError(t, err)
	assert.Greater(t, p.ID, firstID)
	assert.NotEqual(t, string(first), string(second))
}

func TestRoundTrip(t *testing.T) {
	mappings := []map[string]any{
		{"type": "zentalk.ping", "body": map[string]any{}},
		{"id": int64(99), "type": "zentalk.notification", "body": map[string]any{
			"title":   "Hello",
			"text":    "line one\nline two",
			"count":   3,
			"ratio":   0.25,
			"silent":  false,
			"actions": []any{"reply", "dismiss"},
			"extra":   map[string]any{"nested": []any{1, "two", nil, true}},
			"nothing": nil,
		}},
		{"type": "zentalk.share", "body": map[string]any{"url": "https://example.com/?a=1&b=\"2\""}},
	}

	for _, m := range mappings {
		t.Run(m["type"].(string), func(t *testing.T) {
			p, err := FromValue(m)
			require.NoError(t, err)

			data, err := p.Serialize()
			require.NoError(t, err)

			parsed, err := FromText(string(data))
			require.NoError(t, err)

			assert.Equal(t, m["type"], parsed.Type)
			assert.JSONEq(t, mustJSON(t, m["body"]), mustJSON(t, parsed.Body))
			assert.Equal(t, p.ID, parsed.ID)
		})
	}
}

func TestFromValueDeepCopy(t *testing.T) {
	inner := map[string]any{"level": "deep"}
	list := []any{"a", "b"}
	body := map[string]any{"inner": inner, "list": list, "name": "original"}
	m := map[string]any{"type": "zentalk.test", "body": body}

	p, err := FromValue(m)
	require.NoError(t, err)

	// mutate everything the caller still holds
	body["name"] = "changed"
	body["added"] = 1
	inner["level"] = "shallow"
	list[0] = "z"
	m["type"] = "zentalk.other"

	assert.Equal(t, "zentalk.test", p.Type)
	assert.Equal(t, "original", p.Body["name"])
	assert.NotContains(t, p.Body, "added")
	assert.Equal(t, "deep", p.Body["inner"].(map[string]any)["level"])
	assert.Equal(t, "a", p.Body["list"].([]any)[0])
}

func TestFromValueRejectsCycles(t *testing.T) {
	cyclic := map[string]any{"name": "loop"}
	cyclic["self"] = cyclic

	_, err := FromValue(map[string]any{"type": "a.b", "body": cyclic})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	list := make([]any, 1)
	list[0] = list
	_, err = FromValue(map[string]any{"type": "a.b", "body": map[string]any{"l": list}})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestFromValueSharedSubtreeIsNotACycle(t *testing.T) {
	shared := map[string]any{"k": "v"}
	p, err := FromValue(map[string]any{"type": "a.b", "body": map[string]any{"one": shared, "two": shared}})
	require.NoError(t, err)
	assert.Equal(t, "v", p.Body["one"].(map[string]any)["k"])
	assert.Equal(t, "v", p.Body["two"].(map[string]any)["k"])
}

func TestFromValueRejectsUnserializable(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"func", func() {}},
		{"channel", make(chan int)},
		{"complex", complex(1, 2)},
		{"int keyed map", map[int]string{1: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromValue(map[string]any{"type": "a.b", "body": map[string]any{"v": tt.value}})
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestFromValueNormalisesStructs(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	p, err := FromValue(map[string]any{"type": "a.b", "body": map[string]any{"p": point{1, 2}, "raw": []byte("hi")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":{"x":1,"y":2},"raw":"aGk="}`, mustJSON(t, p.Body))
}

func TestFromValueBadShape(t *testing.T) {
	_, err := FromValue(nil)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = FromValue(map[string]any{"body": map[string]any{}})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = FromValue(map[string]any{"type": "a.b", "body": "text"})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestFromPacketLike(t *testing.T) {
	orig, err := New("zentalk.ping", map[string]any{"n": 1})
	require.NoError(t, err)

	inputs := []any{
		orig,
		*orig,
		map[string]any{"type": "zentalk.ping", "body": map[string]any{"n": 1}},
		`{"id":0,"type":"zentalk.ping","body":{"n":1}}`,
		[]byte(`{"id":0,"type":"zentalk.ping","body":{"n":1}}` + "\n"),
	}

	for _, in := range inputs {
		p, err := From(in)
		require.NoError(t, err)
		assert.Equal(t, "zentalk.ping", p.Type)
		assert.JSONEq(t, `{"n":1}`, mustJSON(t, p.Body))
	}

	clone, err := From(orig)
	require.NoError(t, err)
	clone.Body["n"] = 2
	assert.EqualValues(t, 1, orig.Body["n"], "From must not alias the source packet")

	_, err = From(42)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	var nilPacket *Packet
	_, err = From(nilPacket)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestBodyAccessors(t *testing.T) {
	p, err := FromText(`{"id":1,"type":"a.b","body":{"s":"str","n":12,"f":1.5,"b":true,"l":["x",1,"y"],"o":{"k":"v"}}}`)
	require.NoError(t, err)

	assert.Equal(t, "str", p.GetString("s"))
	assert.Equal(t, "", p.GetString("n"))

	n, ok := p.GetInt("n")
	assert.True(t, ok)
	assert.Equal(t, int64(12), n)

	_, ok = p.GetInt("f")
	assert.False(t, ok)
	_, ok = p.GetInt("missing")
	assert.False(t, ok)

	assert.True(t, p.GetBool("b"))
	assert.Equal(t, []string{"x", "y"}, p.GetStrings("l"))

	obj, ok := p.GetObject("o")
	assert.True(t, ok)
	assert.Equal(t, "v", obj["k"])

	assert.True(t, p.Has("s"))
	assert.False(t, p.Has("missing"))
}

func TestLargeIntegersKeepPrecision(t *testing.T) {
	const big = int64(1<<53 + 1)

	p, err := New("zentalk.counter", map[string]any{
		"big":  big,
		"list": []any{big},
		"obj":  map[string]any{"big": big},
	})
	require.NoError(t, err)

	data, err := p.Serialize()
	require.NoError(t, err)
	parsed, err := FromText(string(data))
	require.NoError(t, err)

	n, ok := parsed.GetInt("big")
	require.True(t, ok)
	assert.Equal(t, big, n)
	assert.Equal(t, big, parsed.Body["list"].([]any)[0])
	assert.Equal(t, big, parsed.Body["obj"].(map[string]any)["big"])

	id, err := FromText(`{"id":9223372036854775807,"type":"a.b"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), id.ID)
}

func TestGetIntRange(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{"int64", int64(-5), -5, true},
		{"whole float", float64(42), 42, true},
		{"fraction", 1.5, 0, false},
		{"float beyond int64", 1e19, 0, false},
		{"uint64 in range", uint64(7), 7, true},
		{"uint64 beyond int64", uint64(math.MaxInt64) + 1, 0, false},
		{"string", "12", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Packet{Type: "a.b", Body: map[string]any{"n": tt.value}}
			got, ok := p.GetInt("n")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FromText(`{"id":18446744073709551615,"type":"a.b"}`)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPayloadFields(t *testing.T) {
	p, err := New("zentalk.share.request", map[string]any{"filename": "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, int64(-1), p.PayloadSize())
	assert.Equal(t, 0, p.PayloadPort())

	p.SetPayload(1000, 1739)

	data, err := p.Serialize()
	require.NoError(t, err)
	parsed, err := FromText(string(data))
	require.NoError(t, err)

	assert.Equal(t, int64(1000), parsed.PayloadSize())
	assert.Equal(t, 1739, parsed.PayloadPort())
}

func TestSetCopiesValue(t *testing.T) {
	p, err := New("a.b", nil)
	require.NoError(t, err)

	list := []any{"one"}
	require.NoError(t, p.Set("list", list))
	list[0] = "two"

	assert.Equal(t, "one", p.Body["list"].([]any)[0])
}
