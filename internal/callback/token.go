package callback

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

// ErrInvalidToken rejects callbacks whose signed token does not verify.
var ErrInvalidToken = errors.New("callback: invalid token")

const defaultTokenTTL = 72 * time.Hour

// Signer issues and verifies the per-job token embedded in callback URLs.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Claims identify the job a callback belongs to.
type Claims struct {
	JobID    string
	Provider domain.Provider
	Kind     domain.JobKind
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled is false when no secret is configured; callbacks are then matched
// by provider task id only.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

func (s *Signer) Sign(c Claims) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	now := s.now()
	claims := jwt.MapClaims{
		"job_id":   c.JobID,
		"provider": string(c.Provider),
		"kind":     string(c.Kind),
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("callback: sign token: %w", err)
	}
	return signed, nil
}

func (s *Signer) Verify(token string) (Claims, error) {
	if !s.Enabled() {
		return Claims{}, fmt.Errorf("%w: signing disabled", ErrInvalidToken)
	}
	t, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !t.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: claims", ErrInvalidToken)
	}
	jobID, _ := mc["job_id"].(string)
	if strings.TrimSpace(jobID) == "" {
		return Claims{}, fmt.Errorf("%w: missing job_id", ErrInvalidToken)
	}
	provider, _ := mc["provider"].(string)
	kind, _ := mc["kind"].(string)
	return Claims{JobID: jobID, Provider: domain.Provider(provider), Kind: domain.JobKind(kind)}, nil
}

// URL builds the webhook address handed to the provider. It returns "" when
// no public base URL is configured.
func URL(base string, provider domain.Provider, kind domain.JobKind, token string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	u := base + "/v1/callbacks/" + url.PathEscape(string(provider)) + "/" + url.PathEscape(string(kind))
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}
