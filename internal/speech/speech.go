// Package speech holds the token-authenticated clients for the speech
// recognition and synthesis services.
package speech

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

// TokenSource hands out the current access credential.
type TokenSource interface {
	GetValidToken(ctx context.Context) (models.Credential, error)
}

type voiceKey struct{}

// WithVoice overrides the configured synthesis voice for calls made with ctx.
func WithVoice(ctx context.Context, voice string) context.Context {
	if strings.TrimSpace(voice) == "" {
		return ctx
	}
	return context.WithValue(ctx, voiceKey{}, voice)
}

func voiceFrom(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(voiceKey{}).(string); ok {
		return v
	}
	return fallback
}

// newID returns a 32 character hex id as the speech gateway expects.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
