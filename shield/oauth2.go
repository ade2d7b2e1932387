package shield

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// OAuth2ShieldOption configures an OAuth2Shield.
type OAuth2ShieldOption func(*OAuth2Shield)

// WithLocalJWTValidation validates AM-issued JWT access tokens locally
// against the JWKS at jwksURL instead of calling the introspection
// endpoint. Opaque (non-JWT) tokens still fall back to introspection.
// issuer is matched against the token's iss claim.
func WithLocalJWTValidation(kf keyfunc.Keyfunc, issuer string) OAuth2ShieldOption {
	return func(s *OAuth2Shield) {
		s.jwks = kf
		s.issuer = issuer
	}
}

// NewJWKS fetches and caches the JWKS at jwksURL for use with
// WithLocalJWTValidation. The background refresh goroutine stops when ctx
// is cancelled.
func NewJWKS(ctx context.Context, jwksURL string) (keyfunc.Keyfunc, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("shield: load jwks: %w", err)
	}
	return kf, nil
}

// OAuth2Shield enforces an OAuth2 bearer token sent in the Authorization
// header. Tokens are introspected against AM's /oauth2/tokeninfo endpoint,
// or validated locally when the shield is configured with a JWKS.
type OAuth2Shield struct {
	realm  string
	jwks   keyfunc.Keyfunc
	issuer string
}

var _ Shield = (*OAuth2Shield)(nil)

// NewOAuth2Shield creates an OAuth2Shield for the given realm ("" means
// the root realm).
func NewOAuth2Shield(realm string, opts ...OAuth2ShieldOption) *OAuth2Shield {
	s := &OAuth2Shield{realm: realm}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OAuth2Shield) Evaluate(_ http.ResponseWriter, r *http.Request, agent Agent) Evaluation {
	ctx := r.Context()
	log := agent.Logger()

	token := bearerToken(r)
	if token == "" {
		log.InfoContext(ctx, "shield.oauth2.deny", slog.String("path", r.URL.Path))
		return Deny(NewEvaluationError(http.StatusUnauthorized, "Unauthorized", "Missing OAuth2 Bearer token"))
	}

	if s.jwks != nil && looksLikeJWT(token) {
		claims, err := s.validateJWT(token)
		if err != nil {
			log.InfoContext(ctx, "shield.oauth2.deny", slog.String("path", r.URL.Path), slog.String("err", err.Error()))
			return Deny(NewEvaluationError(http.StatusUnauthorized, "Unauthorized", err.Error()))
		}
		log.InfoContext(ctx, "shield.oauth2.allow", slog.String("path", r.URL.Path))
		return Allow(SessionData{Key: token, Data: claims})
	}

	info, err := agent.Client().ValidateAccessToken(ctx, token, s.realm)
	if err != nil {
		log.InfoContext(ctx, "shield.oauth2.deny", slog.String("path", r.URL.Path), slog.String("err", err.Error()))
		return Deny(boxError(err))
	}

	log.InfoContext(ctx, "shield.oauth2.allow", slog.String("path", r.URL.Path))
	return Allow(SessionData{Key: token, Data: info})
}

func (s *OAuth2Shield) validateJWT(token string) (map[string]any, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.NewParser(opts...).Parse(token, s.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	return map[string]any(claims), nil
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
}

// looksLikeJWT is a cheap structural check: three dot-separated segments.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
