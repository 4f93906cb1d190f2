package crawler

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalizer maps the free-form labels of detail pages onto the field-key
// catalogue.
type Normalizer struct {
	repo FieldKeyRepository
}

// NewNormalizer wraps a FieldKeyRepository.
func NewNormalizer(repo FieldKeyRepository) *Normalizer {
	return &Normalizer{repo: repo}
}

// GetOrCreate records one sighting of fullName. The first sighting stores
// shortName truncated to FieldKeyShortNameMax runes; later sightings only
// bump Frequency.
func (n *Normalizer) GetOrCreate(ctx context.Context, shortName, fullName string) (FieldKey, error) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return FieldKey{}, fmt.Errorf("field key full name is empty")
	}
	shortName = TruncateRunes(strings.TrimSpace(shortName), FieldKeyShortNameMax)
	if shortName == "" {
		shortName = TruncateRunes(Slug(fullName), FieldKeyShortNameMax)
	}
	key, err := n.repo.GetOrCreate(ctx, shortName, fullName)
	if err != nil {
		return FieldKey{}, fmt.Errorf("field key %q: %w", fullName, err)
	}
	return key, nil
}

// Observe records a label using its slug as the short name.
func (n *Normalizer) Observe(ctx context.Context, label string) (FieldKey, error) {
	return n.GetOrCreate(ctx, Slug(label), label)
}

// Slug lowercases a label and joins its letter/digit runs with underscores.
func Slug(label string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
