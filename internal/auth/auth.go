// Package auth checks the pairing secret a controller presents when it
// opens a live link.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("auth: pairing token rejected")

// Validator validates a pairing token.
type Validator interface {
	Validate(token string) error
}

// SharedSecret accepts exactly one pairing token. An empty secret accepts
// nothing.
type SharedSecret string

func (s SharedSecret) Validate(token string) error {
	if s == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// HashedSecret accepts tokens matching a bcrypt hash.
type HashedSecret string

func (h HashedSecret) Validate(token string) error {
	if h == "" || token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashToken hashes a pairing token for a responder's pairing_token_hash.
func HashToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// FromSecret returns the validator for a configured pairing secret, or nil
// when pairing is open.
func FromSecret(secret string) Validator {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return SharedSecret(secret)
}

// FromConfig prefers a hashed secret over a plaintext one.
func FromConfig(secret, hash string) Validator {
	if hash = strings.TrimSpace(hash); hash != "" {
		return HashedSecret(hash)
	}
	return FromSecret(secret)
}

// Check runs v against token; a nil v accepts everything.
func Check(v Validator, token string) error {
	if v == nil {
		return nil
	}
	return v.Validate(token)
}
