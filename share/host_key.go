package prshare

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateHostKey generates the private key a tunnel host presents during the
// secure handshake. With a nonempty seed the same key is produced every time,
// which keeps a host's identity stable across restarts without persisting key
// material; with an empty seed the key is random.
//
// Clients do not verify host identity (the relay's token check is the
// authorization boundary), so the key's role is to satisfy the handshake and
// give operators a stable fingerprint to log.
func GenerateHostKey(seed string) (ssh.Signer, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = NewDetermRand([]byte(seed))
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), r)
	if err != nil {
		return nil, fmt.Errorf("host key generation failed: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("host key is not usable for the handshake: %w", err)
	}
	return signer, nil
}

// FingerprintKey returns the colon-separated MD5 fingerprint of a public key,
// the form operators are used to seeing in logs
func FingerprintKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
