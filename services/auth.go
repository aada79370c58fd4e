package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"flextasker/realtime-gateway/models"
)

const defaultRole = "user"

// TokenVerifier resolves a bearer token to an identity. Implementations
// return an error wrapping ErrAuthentication for any rejected token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// JWTVerifier checks HMAC-signed tokens carrying user_id and role claims.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (models.Identity, error) {
	if tokenString == "" {
		return models.Identity{}, NewAuthenticationError("missing authorization token")
	}

	token, err := v.parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return models.Identity{}, NewAuthenticationError(msg)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, NewAuthenticationError("invalid token claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return models.Identity{}, NewAuthenticationError("invalid token claims")
	}
	if len(userID) > models.MaxIDLength {
		return models.Identity{}, NewAuthenticationError(fmt.Sprintf("user_id exceeds %d bytes", models.MaxIDLength))
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = defaultRole
	}
	return models.Identity{UserID: userID, Role: role}, nil
}
