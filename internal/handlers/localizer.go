package handlers

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

const predefinedPrefix = "@@"

// rtlLanguages are the base languages written right to left.
var rtlLanguages = map[string]bool{
	"ar": true, "dv": true, "fa": true, "he": true, "iw": true,
	"ku": true, "ps": true, "sd": true, "ug": true, "ur": true, "yi": true,
}

// Localizer answers i18n.getMessage from an extension's translations.
type Localizer struct {
	log      *zap.Logger
	uiLocale string
}

var _ bridge.Localizer = (*Localizer)(nil)

// NewLocalizer creates a localizer for the given browser UI locale.
func NewLocalizer(uiLocale string, logger *zap.Logger) *Localizer {
	return &Localizer{log: logger.Named("i18n"), uiLocale: uiLocale}
}

type getMessageArgs struct {
	MessageName   string `json:"messageName"`
	Substitutions []any  `json:"substitutions"`
}

// GetMessage resolves {messageName, substitutions}. Missing messages yield
// an empty string, as do unknown predefined @@ messages.
func (l *Localizer) GetMessage(ext bridge.Extension, args any) (string, error) {
	req, err := decodeGetMessage(args)
	if err != nil {
		return "", err
	}
	if name, ok := strings.CutPrefix(req.MessageName, predefinedPrefix); ok {
		return l.predefined(ext, name), nil
	}

	tr, ok := ext.(translator)
	if !ok {
		return "", nil
	}
	subs := make([]string, len(req.Substitutions))
	for i, s := range req.Substitutions {
		// Only strings substitute; anything else becomes empty.
		if str, ok := s.(string); ok {
			subs[i] = str
		}
	}
	msg, found := tr.Message(req.MessageName, subs)
	if !found {
		l.log.Debug("Message key not found", zap.String("extension", ext.ID()), zap.String("key", req.MessageName))
		return "", nil
	}
	return msg, nil
}

func (l *Localizer) predefined(ext bridge.Extension, name string) string {
	ltr := !isRTL(l.uiLocale)
	switch name {
	case "extension_id":
		return ext.ID()
	case "ui_locale":
		if l.uiLocale != "" {
			return strings.ReplaceAll(l.uiLocale, "-", "_")
		}
		if tr, ok := ext.(translator); ok {
			return tr.UILocale()
		}
		return ""
	case "bidi_dir":
		return direction(ltr)
	case "bidi_reversed_dir":
		return direction(!ltr)
	case "bidi_start_edge":
		return edge(ltr)
	case "bidi_end_edge":
		return edge(!ltr)
	}
	l.log.Warn("Unknown predefined message", zap.String("name", predefinedPrefix+name))
	return ""
}

func decodeGetMessage(args any) (getMessageArgs, error) {
	var req getMessageArgs
	switch a := args.(type) {
	case map[string]any:
		name, ok := a["messageName"].(string)
		if !ok {
			return req, errors.New("messageName is not set")
		}
		req.MessageName = name
		if subs, ok := a["substitutions"].([]any); ok {
			req.Substitutions = subs
		}
	case string:
		req.MessageName = a
	default:
		return req, fmt.Errorf("unexpected i18n arguments of type %T", args)
	}
	if len(req.Substitutions) > 9 {
		return req, errors.New("at most 9 substitutions are supported")
	}
	return req, nil
}

func isRTL(locale string) bool {
	if locale == "" {
		return false
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	return rtlLanguages[base.String()]
}

func direction(ltr bool) string {
	if ltr {
		return "ltr"
	}
	return "rtl"
}

func edge(ltr bool) string {
	if ltr {
		return "left"
	}
	return "right"
}
