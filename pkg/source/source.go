// Package source supplies the identifiers a batch is started with.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider supplies the ordered identifiers of one batch.
type Provider interface {
	Identifiers(ctx context.Context) ([]string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) ([]string, error)

// Identifiers calls f(ctx).
func (f ProviderFunc) Identifiers(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Static is a fixed identifier list.
type Static []string

// Identifiers returns a copy of the list.
func (s Static) Identifiers(ctx context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Variant selects which rendition of a search result is fetched.
type Variant string

const (
	// VariantSmall is the 400px wide rendition.
	VariantSmall Variant = "small"

	// VariantRaw is the original upload.
	VariantRaw Variant = "raw"
)

// ErrUnknownVariant is returned by ParseVariant for unsupported names.
var ErrUnknownVariant = errors.New("unknown image variant")

// ParseVariant parses a variant name. An empty name selects VariantSmall.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case "", VariantSmall:
		return VariantSmall, nil
	case VariantRaw:
		return VariantRaw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}
