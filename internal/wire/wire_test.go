// internal/wire/wire_test.go
package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Shapes(t *testing.T) {
	t.Run("legacy outer body with string message", func(t *testing.T) {
		raw := `{"name":"storage.get","message":"{\"c\":{\"extensionId\":\"ext1\",\"callbackId\":\"cb-1\",\"tabId\":\"7\"},\"d\":[\"key\"]}","frameURL":"https://example.com/"}`
		env, err := Decode([]byte(raw))
		require.NoError(t, err)

		assert.Equal(t, "storage.get", env.Command)
		assert.Equal(t, "ext1", env.Context.ExtensionID())
		assert.Equal(t, "cb-1", env.Context.CallbackID())
		tab, ok := env.Context.TabID()
		assert.True(t, ok)
		assert.Equal(t, uint64(7), tab)
		assert.Equal(t, []any{"key"}, env.Data)
		assert.Equal(t, "https://example.com/", env.FrameURL)
	})

	t.Run("structured message with long keys", func(t *testing.T) {
		body := map[string]any{
			"name":    "runtime.sendMessage",
			"message": map[string]any{"context": map[string]any{"tabId": float64(3)}, "data": "hi"},
		}
		env, err := DecodeBody(body)
		require.NoError(t, err)
		tab, ok := env.Context.TabID()
		assert.True(t, ok)
		assert.Equal(t, uint64(3), tab)
		assert.Equal(t, "hi", env.Data)
	})

	t.Run("flat body", func(t *testing.T) {
		env, err := Decode([]byte(`{"command":"core.log","context":{"frameId":2},"data":["info","x"]}`))
		require.NoError(t, err)
		assert.Equal(t, "core.log", env.Command)
		frame, ok := env.Context.FrameID()
		assert.True(t, ok)
		assert.Equal(t, uint64(2), frame)
		_, ok = env.Context.TabID()
		assert.False(t, ok)
	})

	t.Run("missing data falls back to raw", func(t *testing.T) {
		env, err := Decode([]byte(`{"name":"JSContextEvent","message":"{\"c\":{},\"d\":null}","raw":{"type":"DOMContentLoaded"}}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"type": "DOMContentLoaded"}, env.Data)
	})
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"name":`,
		"array body":         `[1,2]`,
		"missing name":       `{"message":"{}"}`,
		"bad inner json":     `{"name":"x","message":"{nope"}`,
		"context not object": `{"name":"x","message":{"c":"oops"}}`,
		"message number":     `{"name":"x","message":5}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestContext_NumericIDs(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want uint64
		ok   bool
	}{
		{name: "float", v: float64(12), want: 12, ok: true},
		{name: "largest exact float", v: float64(1 << 63), want: 1 << 63, ok: true},
		{name: "float at 2^64", v: float64(1 << 64), ok: false},
		{name: "float above 2^64", v: 1e20, ok: false},
		{name: "fractional", v: 1.5, ok: false},
		{name: "negative", v: float64(-1), ok: false},
		{name: "string", v: "18446744073709551615", want: 18446744073709551615, ok: true},
		{name: "string overflow", v: "18446744073709551616", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab, ok := Context{KeyTabID: tt.v}.TabID()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, tab)
		})
	}
}

func TestContext_Clone(t *testing.T) {
	orig := Context{KeyCallbackID: "a"}
	c := orig.Clone()
	c["extra"] = true
	assert.NotContains(t, orig, "extra")
}

func TestEncodeCallback_RoundTrip(t *testing.T) {
	ctx := Context{KeyCallbackID: "cb-9", KeyExtensionID: "ext"}

	t.Run("failure carries lastError and no data", func(t *testing.T) {
		b, err := EncodeCallback(ctx, "ignored", errors.New("storage unavailable"))
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, JSON.Unmarshal(b, &decoded))
		_, hasData := decoded["data"]
		assert.False(t, hasData)
		c := decoded["context"].(map[string]any)
		assert.Equal(t, map[string]any{"message": "storage unavailable"}, c[KeyLastError])
		assert.Equal(t, "cb-9", c[KeyCallbackID])
		assert.NotContains(t, ctx, KeyLastError, "caller context must not be mutated")
	})

	t.Run("success carries data and no lastError", func(t *testing.T) {
		b, err := EncodeCallback(ctx, map[string]any{"k": "v"}, nil)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, JSON.Unmarshal(b, &decoded))
		want := map[string]any{
			"context": map[string]any{KeyCallbackID: "cb-9", KeyExtensionID: "ext"},
			"data":    map[string]any{"k": "v"},
		}
		if diff := cmp.Diff(want, decoded); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestInjectionScript(t *testing.T) {
	script := InjectionScript("KittCallbackCaller", "invoke", []byte("{\"data\":\"a b\"}"))
	assert.Equal(t, `window.KittCallbackCaller.invoke({"data":"a b"})`, script)
}

func TestParseAck(t *testing.T) {
	v, err := ParseAck("cb-1", "cb-1")
	assert.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseAck("", "cb-1")
	assert.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseAck(`{"ok":true}`, "cb-1")
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)

	v, err = ParseAck("plain text", "cb-1")
	assert.NoError(t, err)
	assert.Equal(t, "plain text", v)

	_, err = ParseAck("ERRORSTACKTRACE TypeError: x is undefined", "cb-1")
	var jsErr *JSError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, "TypeError: x is undefined", jsErr.Stack)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, map[string]string{"type": "evaluate"}, DefaultMaxFrameSize))
	require.NoError(t, WriteRawFrame(&buf, []byte(`{"type":"message"}`), DefaultMaxFrameSize))

	first, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"evaluate"}`, string(first))

	second, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message"}`, string(second))

	_, err = ReadFrame(&buf, DefaultMaxFrameSize)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrames_SizeLimits(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRawFrame(&buf, bytes.Repeat([]byte("a"), 11), 10)
	assert.ErrorContains(t, err, "frame too large")

	require.NoError(t, WriteRawFrame(&buf, []byte(`"0123456789"`), 64))
	_, err = ReadFrame(&buf, 4)
	assert.ErrorContains(t, err, "frame too large")
}

// FuzzDecode builds legacy bodies from structured fuzz input and checks the
// decoder never loses the command name of a well-formed message.
func FuzzDecode(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		var msg struct {
			Name    string
			Context map[string]string
			Data    string
		}
		if err := fuzz.NewConsumer(data).GenerateStruct(&msg); err != nil {
			return
		}

		inner, err := JSON.MarshalToString(map[string]any{"c": msg.Context, "d": msg.Data})
		require.NoError(t, err)
		raw, err := JSON.Marshal(map[string]any{"name": msg.Name, "message": inner})
		require.NoError(t, err)

		env, err := Decode(raw)
		if msg.Name == "" {
			require.Error(t, err)
			return
		}
		require.NoError(t, err)
		if utf8.ValidString(msg.Name) {
			assert.Equal(t, msg.Name, env.Command)
		}

		// Arbitrary bytes must never panic the decoder.
		_, _ = Decode(data)
	})
}
