package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
)

const defaultAccessTTL = 15 * time.Minute

// Identity is what the orchestrator needs from a validated credential.
// Token issuance and credential storage belong to the external auth
// service; we only verify what it signed.
type Identity struct {
	UserID uuid.UUID
	Tier   string
}

type Verifier struct {
	log    *logger.Logger
	secret []byte
	ttl    time.Duration
}

func NewVerifier(log *logger.Logger) (*Verifier, error) {
	secret := strings.TrimSpace(envutil.String("JWT_SECRET", ""))
	env := envutil.String("APP_ENV", "dev")
	if secret == "" {
		if env == "prod" || env == "production" {
			return nil, fmt.Errorf("JWT_SECRET required in %s", env)
		}
		secret = "dev-only-secret"
		log.Warn("JWT_SECRET not set, using development secret")
	}
	return &Verifier{
		log:    log.With("service", "AuthVerifier"),
		secret: []byte(secret),
		ttl:    envutil.DurationSeconds("JWT_ACCESS_TTL_SECONDS", defaultAccessTTL),
	}, nil
}

// Verify validates an HS256 bearer token and extracts the user identity
// and quota tier. Any parse, signature, or expiry problem maps to
// ErrUnauthenticated; the session layer refuses the connection on it.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", pkgerrors.ErrUnauthenticated)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", pkgerrors.ErrUnauthenticated)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", pkgerrors.ErrUnauthenticated)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user id", pkgerrors.ErrUnauthenticated)
	}

	tier, _ := claims["tier"].(string)
	return &Identity{UserID: userID, Tier: tier}, nil
}

// Issue mints a short-lived access token. Production issuance lives in
// the external auth service; this exists for development and tests.
func (v *Verifier) Issue(userID uuid.UUID, tier string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = v.ttl
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"tier": tier,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
