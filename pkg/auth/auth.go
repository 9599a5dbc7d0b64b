// Package auth verifies Supabase access tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v4"
	gocache "github.com/patrickmn/go-cache"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/logger"
)

// Claims identifies an authenticated user.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// RemoteVerifier asks the identity provider who owns a token.
type RemoteVerifier interface {
	User(ctx context.Context, token string) (Claims, error)
}

// Config tunes a Verifier.
type Config struct {
	// JWTSecret enables local HS256 verification when set.
	JWTSecret      string
	CacheTTL       time.Duration
	RemoteAttempts int
	InitialBackoff time.Duration
}

// Verifier checks bearer tokens: cached claims first, then the local JWT
// secret, then the remote identity provider.
type Verifier struct {
	cfg    Config
	remote RemoteVerifier
	cache  *gocache.Cache
	parser *jwt.Parser
	log    *logger.Logger
}

type supabaseClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// NewVerifier creates a Verifier. remote may be nil when JWTSecret is set.
func NewVerifier(cfg Config, remote RemoteVerifier, log *logger.Logger) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RemoteAttempts <= 0 {
		cfg.RemoteAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Verifier{
		cfg:    cfg,
		remote: remote,
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		log:    log.Named("auth"),
	}
}

// Verify returns the claims of a bearer token. The "Bearer " prefix is optional.
func (v *Verifier) Verify(ctx context.Context, bearer string) (Claims, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if token == "" {
		return Claims{}, unauthenticated(errors.New("missing bearer token"))
	}

	key := cacheKey(token)
	if c, ok := v.cache.Get(key); ok {
		return c.(Claims), nil
	}

	if v.cfg.JWTSecret != "" {
		claims, expires, err := v.verifyLocal(token)
		if err != nil {
			return Claims{}, unauthenticated(err)
		}
		v.cache.Set(key, claims, v.ttl(expires))
		return claims, nil
	}

	if v.remote == nil {
		return Claims{}, ierr.NewError("no token verification method configured").
			WithHint("authentication is not configured").
			Mark(ierr.ErrSystem)
	}

	claims, err := v.verifyRemote(ctx, token)
	if err != nil {
		return Claims{}, unauthenticated(err)
	}
	v.cache.Set(key, claims, gocache.DefaultExpiration)
	return claims, nil
}

func (v *Verifier) verifyLocal(token string) (Claims, time.Time, error) {
	var sc supabaseClaims
	_, err := v.parser.ParseWithClaims(token, &sc, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return Claims{}, time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if sc.Subject == "" {
		return Claims{}, time.Time{}, errors.New("token missing subject")
	}
	var expires time.Time
	if sc.ExpiresAt != nil {
		expires = sc.ExpiresAt.Time
	}
	return Claims{UserID: sc.Subject, Email: sc.Email, Role: sc.Role}, expires, nil
}

func (v *Verifier) verifyRemote(ctx context.Context, token string) (Claims, error) {
	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(v.cfg.InitialBackoff))
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(v.cfg.RemoteAttempts-1)), ctx)

	attempt := 0
	claims, err := backoff.RetryWithData(func() (Claims, error) {
		attempt++
		c, err := v.remote.User(ctx, token)
		if err != nil {
			v.log.Debugw("remote token check failed", "attempt", attempt, "error", err)
			if errors.Is(err, ErrTokenRejected) {
				return Claims{}, backoff.Permanent(err)
			}
			return Claims{}, err
		}
		if c.UserID == "" {
			return Claims{}, backoff.Permanent(errors.New("identity provider returned no user"))
		}
		return c, nil
	}, policy)
	if err != nil {
		return Claims{}, fmt.Errorf("verify token remotely: %w", err)
	}
	return claims, nil
}

func (v *Verifier) ttl(expires time.Time) time.Duration {
	if expires.IsZero() {
		return v.cfg.CacheTTL
	}
	if until := time.Until(expires); until < v.cfg.CacheTTL {
		return until
	}
	return v.cfg.CacheTTL
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func unauthenticated(err error) error {
	return ierr.WithError(err).
		WithHint("invalid or expired access token").
		Mark(ierr.ErrUnauthenticated)
}
