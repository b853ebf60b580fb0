package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StateTTL はOAuth stateトークンの有効期間。
const StateTTL = 10 * time.Minute

// ErrInvalidState はstateトークンが不正・期限切れ、またはnonceが一致しないことを示す。
var ErrInvalidState = errors.New("invalid oauth state")

// stateClaims はstateトークンのクレーム。jtiがnonce、rdがログイン後の遷移先。
type stateClaims struct {
	Redirect string `json:"rd"`
	jwt.RegisteredClaims
}

// StateSigner はCSRF対策のstateトークンをHS256で署名・検証する。
// nonceは別途HttpOnly Cookieで往復させ、コールバック時に照合する。
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner はStateSignerを生成する。
func NewStateSigner(secret string) *StateSigner {
	return &StateSigner{key: []byte(secret), ttl: StateTTL, now: time.Now}
}

// WithClock はテスト用に時刻関数を差し替える。
func (s *StateSigner) WithClock(now func() time.Time) *StateSigner {
	s.now = now
	return s
}

// Issue は遷移先を埋め込んだstateトークンとnonceを発行する。
func (s *StateSigner) Issue(redirect string) (state string, nonce string, err error) {
	if len(s.key) == 0 {
		return "", "", fmt.Errorf("state signing key is not configured")
	}

	nonce = uuid.NewString()
	now := s.now()
	claims := stateClaims{
		Redirect: SafeRedirect(redirect),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	state, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign state: %w", err)
	}
	return state, nonce, nil
}

// Verify はstateトークンを検証し、遷移先を返す。
// nonceはCookieから取り出した値で、トークンのjtiと一致しなければならない。
func (s *StateSigner) Verify(state, nonce string) (string, error) {
	if state == "" || nonce == "" {
		return "", ErrInvalidState
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	if subtle.ConstantTimeCompare([]byte(claims.ID), []byte(nonce)) != 1 {
		return "", fmt.Errorf("%w: nonce mismatch", ErrInvalidState)
	}

	return SafeRedirect(claims.Redirect), nil
}
