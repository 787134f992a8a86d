package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

const welcomeVersion uint8 = 1

// struct {
//   opaque group_id<0..255>;
//   opaque name<0..255>;
//   uint32 epoch;
//   Member members<1..2^32-1>;
//   opaque tree_hash<0..255>;
// } GroupInfo;
type GroupInfo struct {
	GroupID  []byte          `tls:"head=1"`
	Name     []byte          `tls:"head=1"`
	Epoch    Epoch
	Members  []welcomeMember `tls:"head=4"`
	TreeHash []byte          `tls:"head=1"`
}

type welcomeMember struct {
	Handle       []byte `tls:"head=2"`
	SignatureKey SignaturePublicKey
	InitKey      HPKEPublicKey
}

//  struct {
//    opaque epoch_secret<1..255>;
//  } KeyPackage;
type KeyPackage struct {
	EpochSecret []byte `tls:"head=1"`
}

// struct {
//   opaque init_key_hash<1..255>;
//   HPKECiphertext encrypted_key_package;
// } EncryptedKeyPackage;
type EncryptedKeyPackage struct {
	InitKeyHash      []byte `tls:"head=1"`
	EncryptedPackage HPKECiphertext
}

// struct {
//   uint8 version;
//   CipherSuite cipher_suite;
//   EncryptedKeyPackage key_package;
//   opaque encrypted_group_info<1..2^32-1>;
// } Welcome;
//
// A Welcome carries the new epoch secret to the member whose addition
// created the epoch. Existing members receive it out of band.
type Welcome struct {
	Version             uint8
	CipherSuite         CipherSuite
	EncryptedKeyPackage EncryptedKeyPackage
	EncryptedGroupInfo  []byte `tls:"head=4"`
}

func newWelcome(g *Group, joinerKey HPKEPublicKey) (*Welcome, error) {
	suite := g.CipherSuite

	gi := GroupInfo{
		GroupID:  g.GroupID,
		Name:     []byte(g.Name),
		Epoch:    g.Epoch,
		TreeHash: g.TreeHash,
	}
	for _, m := range g.Members {
		gi.Members = append(gi.Members, welcomeMember{[]byte(m.Handle), m.SignatureKey, m.InitKey})
	}

	giData, err := syntax.Marshal(gi)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: groupInfo marshal failure %v", err)
	}

	kn := groupInfoKeyAndNonce(suite, g.Secret)
	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, cryptoError("mls.welcome: groupInfo AEAD: %v", err)
	}
	encGroupInfo := aead.Seal(nil, kn.Nonce, giData, []byte{})

	kpData, err := syntax.Marshal(KeyPackage{EpochSecret: g.Secret})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: keyPkg marshal failure %v", err)
	}

	encKeyPackage, err := suite.hpke().Encrypt(joinerKey, []byte{}, kpData)
	if err != nil {
		return nil, cryptoError("mls.welcome: encrypting key package: %v", err)
	}

	return &Welcome{
		Version:     welcomeVersion,
		CipherSuite: suite,
		EncryptedKeyPackage: EncryptedKeyPackage{
			InitKeyHash:      suite.Digest(joinerKey.Data),
			EncryptedPackage: encKeyPackage,
		},
		EncryptedGroupInfo: encGroupInfo,
	}, nil
}

func (w Welcome) MarshalBinary() ([]byte, error) {
	return syntax.Marshal(w)
}

func (w *Welcome) UnmarshalBinary(data []byte) error {
	read, err := syntax.Unmarshal(data, w)
	if err != nil {
		return fmt.Errorf("mls.welcome: unmarshal failure %v", err)
	}
	if read != len(data) {
		return fmt.Errorf("mls.welcome: %d trailing bytes", len(data)-read)
	}
	return nil
}

// JoinGroup opens a Welcome addressed to id and reconstructs the group at
// the welcomed epoch. The joiner holds no secrets for earlier epochs.
func JoinGroup(w *Welcome, id *Identity) (*Group, error) {
	if w.Version != welcomeVersion {
		return nil, fmt.Errorf("mls.welcome: unsupported version %d", w.Version)
	}
	if w.CipherSuite != id.CipherSuite {
		return nil, cryptoError("mls.welcome: ciphersuite mismatch")
	}

	suite := w.CipherSuite
	if !bytes.Equal(suite.Digest(id.InitKey.PublicKey.Data), w.EncryptedKeyPackage.InitKeyHash) {
		return nil, cryptoError("mls.welcome: not addressed to %q", id.Handle)
	}

	pt, err := suite.hpke().Decrypt(id.InitKey, []byte{}, w.EncryptedKeyPackage.EncryptedPackage)
	if err != nil {
		return nil, cryptoError("mls.welcome: encKeyPkg decryption failure %v", err)
	}

	var kp KeyPackage
	if _, err := syntax.Unmarshal(pt, &kp); err != nil {
		return nil, cryptoError("mls.welcome: keyPkg unmarshal failure %v", err)
	}

	kn := groupInfoKeyAndNonce(suite, kp.EpochSecret)
	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, cryptoError("mls.welcome: groupInfo AEAD: %v", err)
	}
	giData, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, cryptoError("mls.welcome: groupInfo decryption failure %v", err)
	}

	var gi GroupInfo
	if _, err := syntax.Unmarshal(giData, &gi); err != nil {
		return nil, cryptoError("mls.welcome: groupInfo unmarshal failure %v", err)
	}

	g := &Group{
		Name:         string(gi.Name),
		GroupID:      gi.GroupID,
		CipherSuite:  suite,
		Epoch:        gi.Epoch,
		Secret:       kp.EpochSecret,
		TreeHash:     gi.TreeHash,
		EpochSecrets: map[Epoch][]byte{},
	}
	for _, m := range gi.Members {
		g.Members = append(g.Members, Member{string(m.Handle), m.SignatureKey, m.InitKey})
	}

	member, ok := g.member(id.Handle)
	if !ok || !bytes.Equal(member.InitKey.Data, id.InitKey.PublicKey.Data) {
		return nil, fmt.Errorf("mls.welcome: new joiner not in the roster: %w", ErrNotAMember)
	}

	// The tree hash is keyed by the epoch secret, so a match confirms the
	// welcomed secret and roster belong together.
	if !g.VerifyTreeHash() {
		return nil, cryptoError("mls.welcome: confirmation failed to verify")
	}

	kse, err := g.keys()
	if err != nil {
		return nil, err
	}
	g.EpochSecrets[g.Epoch] = dup(kse.ApplicationSecret)
	return g, nil
}
