package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// WidgetKeyMode selects which widget key formats are accepted.
type WidgetKeyMode int

const (
	// WidgetKeyStrict accepts only 64 hex characters.
	WidgetKeyStrict WidgetKeyMode = iota
	// WidgetKeyLegacy additionally accepts 16-64 alphanumeric characters.
	WidgetKeyLegacy
)

// WidgetKeyFormat reports which format a key matched.
type WidgetKeyFormat string

const (
	WidgetKeyFormatHex    WidgetKeyFormat = "hex64"
	WidgetKeyFormatLegacy WidgetKeyFormat = "legacy_alnum"
)

// Tag sets for the two formats. hexadecimal alone would admit a 0x prefix
// and upper case; strict keys are exactly what NewWidgetKey emits.
const (
	widgetKeyHexTags    = "len=64,hexadecimal,lowercase,excludes=x"
	widgetKeyLegacyTags = "min=16,max=64,alphanum"
)

var widgetKeyValidate = validator.New()

// ValidateWidgetKey checks the format of a public widget key. It never looks the
// key up. Strict keys are case-sensitive: 64 lower-case hex characters.
func ValidateWidgetKey(key string, mode WidgetKeyMode) (WidgetKeyFormat, error) {
	key = strings.TrimSpace(key)
	if widgetKeyValidate.Var(key, widgetKeyHexTags) == nil {
		return WidgetKeyFormatHex, nil
	}
	if mode == WidgetKeyLegacy && widgetKeyValidate.Var(key, widgetKeyLegacyTags) == nil {
		return WidgetKeyFormatLegacy, nil
	}
	return "", fmt.Errorf("%w: malformed widget key", ErrInvalidInput)
}

// NewWidgetKey returns a random key in the strict format.
func NewWidgetKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate widget key: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
