package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fathima-sithara/messaging-service/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type JWTValidator struct {
	method jwt.SigningMethod
	key    interface{}
}

// NewJWTValidatorRS256 loads an RSA public key from filesystem
func NewJWTValidatorRS256(pubPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not RSA public key")
	}
	return &JWTValidator{method: jwt.SigningMethodRS256, key: rsaPub}, nil
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty HS256 secret")
	}
	return &JWTValidator{method: jwt.SigningMethodHS256, key: []byte(secret)}, nil
}

// NewFromConfig picks the validator matching cfg.Alg.
func NewFromConfig(cfg config.JWTConfig) (*JWTValidator, error) {
	switch strings.ToUpper(cfg.Alg) {
	case "RS256":
		return NewJWTValidatorRS256(cfg.PublicKeyPath)
	case "HS256":
		return NewJWTValidatorHS256(cfg.HSSecret)
	}
	return nil, fmt.Errorf("unsupported jwt alg %q", cfg.Alg)
}

// Validate returns the subject (user id) on success
func (j *JWTValidator) Validate(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("empty token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return j.key, nil
	}, jwt.WithValidMethods([]string{j.method.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
}
