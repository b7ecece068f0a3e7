package ops

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptoprov"
)

// Envelope is data sealed with a content key,
// the content key is encrypted to the recipient RSA key
type Envelope struct {
	Cipher     string `json:"cipher"`
	Key        []byte `json:"key"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// contentKeySize is the key size of supported AEAD ciphers
const contentKeySize = 32

// ParseEnvelope returns Envelope from JSON
func ParseEnvelope(js []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(js, env); err != nil {
		return nil, errors.WithMessage(err, "invalid envelope")
	}
	return env, nil
}

func cipherFactory() (cryptoprov.CipherFactory, error) {
	f, ok := cryptoprov.Default(cryptoprov.MethodCipher).(cryptoprov.CipherFactory)
	if !ok {
		return nil, errors.New("cipher method is not installed")
	}
	return f, nil
}

// SealEnvelope encrypts plaintext to the RSA public key of the recipient,
// associated data is authenticated but not included in the envelope
func SealEnvelope(pub crypto.PublicKey, cipherName string, plaintext, associated []byte) (*Envelope, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("key wrap is not supported for %T", pub)
	}
	f, err := cipherFactory()
	if err != nil {
		return nil, err
	}

	cek := make([]byte, contentKeySize)
	if _, err = io.ReadFull(rand.Reader, cek); err != nil {
		return nil, errors.WithStack(err)
	}
	aead, err := f.NewAEAD(cipherName, cek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.WithStack(err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, cek, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to wrap key")
	}

	return &Envelope{
		Cipher:     cipherName,
		Key:        wrapped,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, associated),
	}, nil
}

// OpenEnvelope unwraps the content key with the recipient key
// and decrypts the envelope
func OpenEnvelope(d crypto.Decrypter, env *Envelope, associated []byte) ([]byte, error) {
	f, err := cipherFactory()
	if err != nil {
		return nil, err
	}

	cek, err := d.Decrypt(rand.Reader, env.Key, &rsa.OAEPOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, errors.WithMessage(err, "unable to unwrap key")
	}
	aead, err := f.NewAEAD(env.Cipher, cek)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, errors.Errorf("invalid nonce size: %d", len(env.Nonce))
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, associated)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to decrypt")
	}
	return plaintext, nil
}
