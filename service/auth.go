package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/cosketch/models"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the caller's identity to ctx.
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the caller's identity, if one was attached.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(models.Identity)
	if !ok || identity.Subject == "" {
		return models.Identity{}, false
	}
	return identity, true
}

func (s *Service) CreateJWT(subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", time.Time{}, err
	}

	if !token.Valid {
		return "", time.Time{}, errors.New("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", time.Time{}, errors.New("missing sub claim")
	}

	expiry, err := token.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return "", time.Time{}, errors.New("missing exp claim")
	}

	return subject, expiry.Time, nil
}

// AuthenticateToken turns a bearer token into an Identity.
func (s *Service) AuthenticateToken(tokenString string) (models.Identity, error) {
	if len(tokenString) == 0 {
		return models.Identity{}, fmt.Errorf("%w: token not provided", ErrUnauthorized)
	}

	subject, _, err := s.VerifyJWT(tokenString)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	return models.Identity{Subject: subject}, nil
}
