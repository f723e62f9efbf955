package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// Scope limits what a token may be used for.
type Scope string

const (
	ScopeViewer    Scope = "viewer"
	ScopeOperator  Scope = "operator"
	ScopeMessaging Scope = "messaging"
)

type AuthService interface {
	GenerateToken(subject string, scope Scope) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// ValidateMessagingToken checks a messaging login token for userID.
	ValidateMessagingToken(userID, tokenString string) error
	CheckScope(claims *Claims, required Scope) error
}

type Claims struct {
	Scope Scope `json:"scope"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *authService) GenerateToken(subject string, scope Scope) (string, error) {
	now := s.now()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) ValidateMessagingToken(userID, tokenString string) error {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	if claims.Subject != userID {
		return ErrUnauthorized
	}
	return s.CheckScope(claims, ScopeMessaging)
}

// CheckScope applies the scope hierarchy: operators may do everything a
// viewer may. Messaging tokens are only good for messaging logins.
func (s *authService) CheckScope(claims *Claims, required Scope) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if required == ScopeMessaging {
		if claims.Scope == ScopeMessaging {
			return nil
		}
		return ErrUnauthorized
	}

	scopeHierarchy := map[Scope]int{
		ScopeViewer:   1,
		ScopeOperator: 2,
	}
	if scopeHierarchy[claims.Scope] >= scopeHierarchy[required] && scopeHierarchy[required] > 0 {
		return nil
	}
	return ErrUnauthorized
}

type claimsKey struct{}

// WithClaims stores validated claims on a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	if !ok {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
