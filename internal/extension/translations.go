package extension

import (
	"fmt"
	"strings"
)

// Translations holds the messages of one locale, keyed case-insensitively,
// with an optional fallback locale consulted for missing keys.
type Translations struct {
	locale   string
	messages map[string]message
	fallback *Translations
}

type message struct {
	Message      string                 `json:"message"`
	Description  string                 `json:"description,omitempty"`
	Placeholders map[string]placeholder `json:"placeholders,omitempty"`
}

type placeholder struct {
	Content string `json:"content"`
	Example string `json:"example,omitempty"`
}

// ParseTranslations decodes a messages.json file.
func ParseTranslations(locale string, data []byte) (*Translations, error) {
	var raw map[string]message
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse messages for locale %s: %w", locale, err)
	}
	t := &Translations{locale: locale, messages: make(map[string]message, len(raw))}
	for k, m := range raw {
		ph := make(map[string]placeholder, len(m.Placeholders))
		for name, p := range m.Placeholders {
			ph[strings.ToLower(name)] = p
		}
		m.Placeholders = ph
		t.messages[strings.ToLower(k)] = m
	}
	return t, nil
}

// Locale is the locale the messages were read for.
func (t *Translations) Locale() string {
	if t == nil {
		return ""
	}
	return t.locale
}

// WithFallback sets the translations consulted when a key is missing here.
func (t *Translations) WithFallback(f *Translations) *Translations {
	if t != nil && f != t {
		t.fallback = f
	}
	return t
}

// Message formats the message named key. found is false when neither this
// locale nor its fallback defines it.
func (t *Translations) Message(key string, subs []string) (text string, found bool) {
	for cur := t; cur != nil; cur = cur.fallback {
		if m, ok := cur.messages[strings.ToLower(key)]; ok {
			return m.format(subs), true
		}
	}
	return "", false
}

// format expands $name$ placeholders, then $1..$9 substitutions. $$ is a
// literal dollar sign. Missing substitutions expand to nothing.
func (m message) format(subs []string) string {
	return m.expand(m.Message, subs, true)
}

func (m message) expand(s string, subs []string, named bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i++
		case next >= '1' && next <= '9':
			if n := int(next - '1'); n < len(subs) {
				b.WriteString(subs[n])
			}
			i++
		case named:
			end := strings.IndexByte(s[i+1:], '$')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			name := strings.ToLower(s[i+1 : i+1+end])
			p, ok := m.Placeholders[name]
			if !ok {
				b.WriteByte(c)
				continue
			}
			b.WriteString(m.expand(p.Content, subs, false))
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
