// Package tariff defines the tariff codes a subscription can belong to and
// the request-scoped default used when callers omit the code.
package tariff

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// Code identifies a tariff.
type Code string

// Known tariff codes.
const (
	Standard Code = "standard"
	White    Code = "white"
)

// Default is the tariff assumed when neither the caller nor the request
// context supplies one.
const Default = Standard

type ctxKey struct{}

// With returns a context carrying code as the ambient tariff default for
// the request.
func With(ctx context.Context, code Code) context.Context {
	return context.WithValue(ctx, ctxKey{}, code)
}

// From returns the ambient tariff default carried by ctx, or Default when
// the context carries none.
func From(ctx context.Context) Code {
	if code, ok := ctx.Value(ctxKey{}).(Code); ok {
		return code
	}
	return Default
}

// Normalize maps a raw tariff value to a Code. White accepts "white" and
// "w", standard accepts "standard" and "s", case-insensitively. An empty
// value falls back to the ambient default from ctx. Any other value is
// treated as standard and logged.
func Normalize(ctx context.Context, value string) Code {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return From(ctx)
	case "white", "w":
		return White
	case "standard", "s":
		return Standard
	default:
		log.Warn().Str("tariff", value).Msg("unrecognized tariff value, assuming standard")
		return Standard
	}
}

// String returns the code as its wire value.
func (c Code) String() string {
	return string(c)
}

// Valid reports whether c is a known tariff code.
func (c Code) Valid() bool {
	return c == Standard || c == White
}
