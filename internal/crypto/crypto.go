// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// Fixed suite: Ed25519 signatures over SHA3-256 digests. Keys are raw
// Ed25519 byte strings; player identity is the SHA3-256 of the public key.

const (
	PubKeySize  = ed25519.PublicKeySize
	PrivKeySize = ed25519.PrivateKeySize
	SigSize     = ed25519.SignatureSize
)

func Sum256(msg []byte) [32]byte {
	return sha3.Sum256(msg)
}

// DerivePlayerID binds a 32-byte identity to a public key.
func DerivePlayerID(pub []byte) [32]byte {
	return sha3.Sum256(pub)
}

func GenKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	if len(priv) != PrivKeySize {
		return nil, errors.New("bad private key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), digest), nil
}

func VerifyDigest(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != 32 || len(pub) != PubKeySize || len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

func IsPublicKey(pub []byte) bool {
	return len(pub) == PubKeySize
}

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	if len(pub) != PubKeySize || len(priv) != PrivKeySize {
		return nil, nil, fmt.Errorf("bad key size on disk")
	}
	return pub, priv, nil
}

func EnsureKeypair(dir string) ([]byte, []byte, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = GenKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
