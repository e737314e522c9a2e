// Package creds verifies signer credentials for signature capture. A signature
// is only recorded when the signer re-proves their identity at the moment of
// signing.
package creds

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredential = errors.New("credential verification failed")

// Hash derives a storable hash from a plaintext credential.
func Hash(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("empty credential")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify checks a plaintext credential against a stored hash.
func Verify(hash, plain string) error {
	if hash == "" {
		return ErrBadCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)); err != nil {
		return ErrBadCredential
	}
	return nil
}
