package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/storage"
)

func newLocalizedExtension(t *testing.T) *extension.BrowserExtension {
	t.Helper()
	m, err := extension.ParseManifest([]byte(`{"name":"__MSG_name__","version":"1"}`))
	require.NoError(t, err)
	tr, err := extension.ParseTranslations("en", []byte(`{
		"name": {"message": "Blocker"},
		"count": {"message": "$1 of $2 blocked"}
	}`))
	require.NoError(t, err)
	return extension.New("abc", m, nil, tr, storage.NewMemoryArea())
}

func TestLocalizer_Messages(t *testing.T) {
	l := NewLocalizer("en_US", zaptest.NewLogger(t))
	ext := newLocalizedExtension(t)

	tests := []struct {
		name string
		args any
		want string
	}{
		{"plain", map[string]any{"messageName": "name"}, "Blocker"},
		{"case insensitive", map[string]any{"messageName": "NAME"}, "Blocker"},
		{"substitutions", map[string]any{"messageName": "count", "substitutions": []any{"3", "10"}}, "3 of 10 blocked"},
		{"non-string substitution", map[string]any{"messageName": "count", "substitutions": []any{3.0, "10"}}, " of 10 blocked"},
		{"bare name", "name", "Blocker"},
		{"missing", map[string]any{"messageName": "nope"}, ""},
		{"extension id", map[string]any{"messageName": "@@extension_id"}, "abc"},
		{"ui locale", map[string]any{"messageName": "@@ui_locale"}, "en_US"},
		{"bidi dir", map[string]any{"messageName": "@@bidi_dir"}, "ltr"},
		{"bidi reversed", map[string]any{"messageName": "@@bidi_reversed_dir"}, "rtl"},
		{"start edge", map[string]any{"messageName": "@@bidi_start_edge"}, "left"},
		{"end edge", map[string]any{"messageName": "@@bidi_end_edge"}, "right"},
		{"unknown predefined", map[string]any{"messageName": "@@nothing"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.GetMessage(ext, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalizer_RightToLeft(t *testing.T) {
	l := NewLocalizer("ar-EG", zaptest.NewLogger(t))
	ext := newLocalizedExtension(t)

	for name, want := range map[string]string{
		"@@bidi_dir":          "rtl",
		"@@bidi_reversed_dir": "ltr",
		"@@bidi_start_edge":   "right",
		"@@bidi_end_edge":     "left",
		"@@ui_locale":         "ar_EG",
	} {
		got, err := l.GetMessage(ext, map[string]any{"messageName": name})
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestLocalizer_FallsBackToExtensionLocale(t *testing.T) {
	l := NewLocalizer("", zaptest.NewLogger(t))
	got, err := l.GetMessage(newLocalizedExtension(t), map[string]any{"messageName": "@@ui_locale"})
	require.NoError(t, err)
	assert.Equal(t, "en", got)
}

func TestLocalizer_BadArguments(t *testing.T) {
	l := NewLocalizer("en", zaptest.NewLogger(t))
	ext := newLocalizedExtension(t)

	_, err := l.GetMessage(ext, map[string]any{"name": "x"})
	assert.ErrorContains(t, err, "messageName is not set")
	_, err = l.GetMessage(ext, 42.0)
	assert.Error(t, err)
	_, err = l.GetMessage(ext, map[string]any{
		"messageName":   "count",
		"substitutions": []any{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"},
	})
	assert.Error(t, err)
}
