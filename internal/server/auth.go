package server

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/chute-io/chute/internal/wire"
)

const nonceSize = 32

// Authenticator handles the server side of the pubkey challenge:
// the server sends a nonce in its Hello, the client answers with its
// public key and a signature over the nonce, and the key must appear in
// the configured authorized_keys file.
type Authenticator struct {
	// KeyChecker overrides the authorized_keys lookup. Intended for
	// tests.
	KeyChecker func(pubkey ssh.PublicKey) bool
	keysPath   string
}

// NewAuthenticator creates an authenticator backed by an OpenSSH
// authorized_keys file.
func NewAuthenticator(keysPath string) *Authenticator {
	return &Authenticator{keysPath: keysPath}
}

// Enabled reports whether client authentication is required.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.keysPath != "" || a.KeyChecker != nil)
}

// NewNonce generates a fresh challenge.
func (a *Authenticator) NewNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Verify checks the client's answer against the challenge nonce.
func (a *Authenticator) Verify(nonce []byte, auth wire.Auth) error {
	pubkey, err := ssh.ParsePublicKey(auth.PublicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	if a.KeyChecker != nil {
		if !a.KeyChecker(pubkey) {
			return errors.New("public key not authorized")
		}
	} else if !a.isKeyAuthorized(pubkey) {
		return errors.New("public key not authorized")
	}

	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(auth.Signature, sig); err != nil {
		return fmt.Errorf("unmarshal signature: %w", err)
	}
	if err := pubkey.Verify(nonce, sig); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}

// isKeyAuthorized checks whether pubkey appears in the authorized_keys
// file.
func (a *Authenticator) isKeyAuthorized(pubkey ssh.PublicKey) bool {
	f, err := os.Open(a.keysPath)
	if err != nil {
		return false
	}
	defer f.Close()

	want := pubkey.Marshal()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		candidate, _, _, _, parseErr := ssh.ParseAuthorizedKey(scanner.Bytes())
		if parseErr != nil {
			continue
		}
		if bytes.Equal(candidate.Marshal(), want) {
			return true
		}
	}
	return false
}

// SignNonce produces the client's answer to a server challenge.
func SignNonce(signer ssh.Signer, nonce []byte) (wire.Auth, error) {
	sig, err := signer.Sign(rand.Reader, nonce)
	if err != nil {
		return wire.Auth{}, fmt.Errorf("sign nonce: %w", err)
	}
	return wire.Auth{
		PublicKey: signer.PublicKey().Marshal(),
		Signature: ssh.Marshal(sig),
	}, nil
}
