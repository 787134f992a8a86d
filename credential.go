package mls

import (
	"bytes"
	"fmt"
)

// struct {
//     opaque identity<0..2^16-1>;
//     SignatureScheme algorithm;
//     SignaturePublicKey public_key;
// } BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

func (cred BasicCredential) Equals(other BasicCredential) bool {
	return bytes.Equal(cred.Identity, other.Identity) &&
		cred.SignatureScheme == other.SignatureScheme &&
		bytes.Equal(cred.PublicKey.Data, other.PublicKey.Data)
}

// Identity is a user's handle together with the private key material issued
// for it by a KeyProvider.
type Identity struct {
	Handle       string              `cbor:"handle"`
	CipherSuite  CipherSuite         `cbor:"suite"`
	SignatureKey SignaturePrivateKey `cbor:"signature_key"`
	InitKey      HPKEPrivateKey      `cbor:"init_key"`
}

func (id *Identity) Credential() BasicCredential {
	return BasicCredential{
		Identity:        []byte(id.Handle),
		SignatureScheme: id.CipherSuite.Scheme(),
		PublicKey:       id.SignatureKey.PublicKey,
	}
}

// Member is the public half of an Identity as it appears in a group roster.
func (id *Identity) Member() Member {
	return Member{
		Handle:       id.Handle,
		SignatureKey: SignaturePublicKey{dup(id.SignatureKey.PublicKey.Data)},
		InitKey:      HPKEPublicKey{dup(id.InitKey.PublicKey.Data)},
	}
}

// Fingerprint identifies the key material of an identity. It changes when
// the handle is re-initialized.
func (id *Identity) Fingerprint() string {
	return fmt.Sprintf("%x/%x", id.SignatureKey.PublicKey.Data, id.InitKey.PublicKey.Data)
}

// KeyProvider issues key material for a handle.
type KeyProvider interface {
	GenerateIdentity(handle string) (*Identity, error)
}

// SuiteKeyProvider generates an Ed25519 signing key and an HPKE init key for
// the configured cipher suite.
type SuiteKeyProvider struct {
	Suite CipherSuite
}

func NewKeyProvider(suite CipherSuite) *SuiteKeyProvider {
	return &SuiteKeyProvider{Suite: suite}
}

func (p *SuiteKeyProvider) GenerateIdentity(handle string) (*Identity, error) {
	if handle == "" {
		return nil, fmt.Errorf("mls.credential: empty handle")
	}
	if err := p.Suite.ValidForTLS(); err != nil {
		return nil, fmt.Errorf("mls.credential: %v", err)
	}

	sigPriv, err := p.Suite.Scheme().Generate()
	if err != nil {
		return nil, cryptoError("mls.credential: signature key generation for %q: %v", handle, err)
	}

	initPriv, err := p.Suite.hpke().Generate()
	if err != nil {
		return nil, cryptoError("mls.credential: init key generation for %q: %v", handle, err)
	}

	return &Identity{
		Handle:       handle,
		CipherSuite:  p.Suite,
		SignatureKey: sigPriv,
		InitKey:      initPriv,
	}, nil
}
