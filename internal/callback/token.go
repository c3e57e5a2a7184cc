package callback

import (
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TokenParam is the query parameter carrying the signed callback token.
const TokenParam = "token"

// Signer issues and verifies the one-time tokens embedded in push request callback URLs.
// A Signer without a secret is disabled: it issues nothing and accepts everything.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue returns a signed token and the nonce it carries.
func (s *Signer) Issue() (token, nonce string, err error) {
	if !s.Enabled() {
		return "", "", nil
	}
	nonce = uuid.NewString()
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        nonce,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", errors.Wrap(err, "sign callback token")
	}
	return token, nonce, nil
}

// Verify checks the signature and expiry of token and returns its nonce.
func (s *Signer) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", errors.Wrap(ErrUnauthorized, err.Error())
	}
	return claims.ID, nil
}

// SignedURL appends token to base as the TokenParam query parameter.
func SignedURL(base, token string) (string, error) {
	if token == "" {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse callback url")
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
