package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"callsheet/internal/repo"
)

// AuthConfig selects how callers are identified. Bearer tokens are HS256 JWTs
// whose subject is the actor id.
type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id without credentials. Local use only.
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return "", err
	}
	return p.ActorID, nil
}

const tokenIssuer = "callsheet"

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// SignToken mints an HS256 bearer token for actorID. Permissions embedded in the
// token are honoured without a database lookup. A zero ttl means one hour.
func SignToken(secret, actorID string, ttl time.Duration, roles, permissions []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:       roles,
		Permissions: permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string, logger *slog.Logger) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.APIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	if err := r.TouchAPIKey(ctx, apiKey.ID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("record api key use", "key_id", apiKey.ID, "err", err)
	}
	return Principal{
		ActorID: apiKey.ActorID,
		Source:  "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches a Principal to every request under basePath
// except health. Credentials are tried in order: bearer token, API key, then
// the legacy actor header when allowed.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := authenticate(req, cfg, r)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func authenticate(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, huma.StatusError) {
	invalid := func(source string, err error) huma.StatusError {
		cfg.logger().Debug("credential rejected", "source", source, "path", req.URL.Path, "err", err)
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, invalid("jwt", errors.New("malformed authorization header"))
		}
		p, err := authenticateJWT(token, cfg.JWTSecret)
		if err != nil {
			return Principal{}, invalid("jwt", err)
		}
		return p, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err := authenticateAPIKey(req.Context(), r, key, cfg.logger())
		if err != nil {
			return Principal{}, invalid("api_key", err)
		}
		return p, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && cfg.AllowLegacyActorHeader {
		cfg.logger().Warn("legacy X-Actor-Id header accepted without credentials", "actor_id", actor)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
