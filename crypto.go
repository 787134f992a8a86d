package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	CipherSuiteUnknown                     CipherSuite = 0x0000
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
)

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs, X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519)
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	}
	return "UnknownCipherSuite"
}

// ParseCipherSuite maps a suite name, as printed by String, back to its value.
func ParseCipherSuite(name string) (CipherSuite, error) {
	for _, cs := range []CipherSuite{X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519} {
		if cs.String() == name {
			return cs, nil
		}
	}
	return CipherSuiteUnknown, fmt.Errorf("mls.crypto: unsupported cipher suite %q", name)
}

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
	Scheme     SignatureScheme
}

func (cs CipherSuite) constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    16,
			NonceSize:  12,
			SecretSize: 32,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_AESGCM128,
			Scheme:     Ed25519,
		}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    32,
			NonceSize:  12,
			SecretSize: 32,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_CHACHA20POLY1305,
			Scheme:     Ed25519,
		}
	default:
		panic("Unsupported ciphersuite")
	}
}

func (cs CipherSuite) Scheme() SignatureScheme {
	return cs.constants().Scheme
}

func (cs CipherSuite) newDigest() hash.Hash {
	return sha256.New()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	}

	return nil, fmt.Errorf("mls.crypto: unsupported ciphersuite %v", cs)
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.constants().SecretSize)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newDigest, ikm, salt)
}

type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: unable to marshal HKDF label: %v", err))
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(cs.newDigest, secret, labelData), out); err != nil {
		panic(fmt.Errorf("mls.crypto: HKDF expand failed: %v", err))
	}
	return out
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	contextHash := cs.Digest(context)
	return cs.hkdfExpandLabel(secret, label, contextHash, cs.constants().SecretSize)
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// struct {
//     opaque kem_output<0..2^16-1>;
//     opaque ciphertext<0..2^32-1>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic("Unable to construct HPKE ciphersuite")
	}

	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	skR, pkR, err := h.Suite.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{
		Data:      h.Suite.KEM.SerializePrivate(skR),
		PublicKey: HPKEPublicKey{h.Suite.KEM.Serialize(pkR)},
	}, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.Deserialize(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand.Reader, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	SignatureSchemeUnknown SignatureScheme = 0x0000
	Ed25519                SignatureScheme = 0x0807
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, Ed25519)
}

func (ss SignatureScheme) String() string {
	switch ss {
	case Ed25519:
		return "Ed25519"
	}
	return "UnknownSignatureScheme"
}

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) equals(other SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, other.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}

		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil
	}
	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case Ed25519:
		if len(priv.Data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("mls.crypto: malformed Ed25519 private key")
		}
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil
	}
	return nil, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)
	}
	return false
}
