package extension

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

const (
	manifestFileName = "manifest.json"
	localesDir       = "_locales"
	messagesFileName = "messages.json"

	// BackgroundPageName is the page generated for background.scripts.
	BackgroundPageName = "_generated_background_page.html"
)

// Bundle is an extension's files, rooted at its directory. Paths are
// bundle-relative and cannot escape the root.
type Bundle struct {
	fs   afero.Fs
	root string
}

// NewBundle roots a bundle at dir on fs.
func NewBundle(fs afero.Fs, dir string) *Bundle {
	return &Bundle{fs: afero.NewBasePathFs(fs, dir), root: dir}
}

// Root is the directory the bundle was opened from.
func (b *Bundle) Root() string { return b.root }

func (b *Bundle) ReadFile(name string) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, clean(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from bundle: %w", name, err)
	}
	return data, nil
}

func (b *Bundle) Exists(name string) bool {
	ok, err := afero.Exists(b.fs, clean(name))
	return err == nil && ok
}

func (b *Bundle) WriteFile(name string, data []byte) error {
	if err := afero.WriteFile(b.fs, clean(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s to bundle: %w", name, err)
	}
	return nil
}

// Manifest reads and parses manifest.json.
func (b *Bundle) Manifest() (*Manifest, error) {
	data, err := b.ReadFile(manifestFileName)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// Translations loads the messages for locale, trying the full locale
// (en_US), then its language (en), then defaultLocale. The default locale's
// messages back up the chosen one. It returns nil when the bundle has none.
func (b *Bundle) Translations(locale, defaultLocale string) (*Translations, error) {
	def, err := b.readTranslations(normalizeLocale(defaultLocale))
	if err != nil {
		return nil, err
	}
	for _, candidate := range localeCandidates(locale) {
		if candidate == normalizeLocale(defaultLocale) {
			break
		}
		t, err := b.readTranslations(candidate)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t.WithFallback(def), nil
		}
	}
	return def, nil
}

func (b *Bundle) readTranslations(locale string) (*Translations, error) {
	if locale == "" {
		return nil, nil
	}
	name := path.Join(localesDir, locale, messagesFileName)
	data, err := afero.ReadFile(b.fs, clean(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return ParseTranslations(locale, data)
}

func localeCandidates(locale string) []string {
	locale = normalizeLocale(locale)
	if locale == "" {
		return nil
	}
	out := []string{locale}
	if lang, _, ok := strings.Cut(locale, "_"); ok {
		out = append(out, lang)
	}
	return out
}

func normalizeLocale(l string) string {
	return strings.ReplaceAll(strings.TrimSpace(l), "-", "_")
}

func clean(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "/"))
}
