package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

///
/// Application keys
///

type applicationKeyContext struct {
	Sender     []byte `tls:"head=1"`
	Generation uint32
}

// applicationKeyAndNonce derives the AEAD key and base nonce for one message.
// Every (sender, generation) pair within an epoch gets its own key.
func applicationKeyAndNonce(suite CipherSuite, applicationSecret []byte, sender string, generation uint32) keyAndNonce {
	context, err := syntax.Marshal(applicationKeyContext{[]byte(sender), generation})
	if err != nil {
		panic(fmt.Errorf("mls.keys: application key context marshal failure %v", err))
	}

	secret := suite.hkdfExpandLabel(applicationSecret, "app-secret", context, suite.constants().SecretSize)
	defer zeroize(secret)

	return keyAndNonce{
		Key:   suite.hkdfExpandLabel(secret, "app-key", []byte{}, suite.constants().KeySize),
		Nonce: suite.hkdfExpandLabel(secret, "app-nonce", []byte{}, suite.constants().NonceSize),
	}
}

///
/// GroupInfo keys
///

func groupInfoKeyAndNonce(suite CipherSuite, epochSecret []byte) keyAndNonce {
	secretSize := suite.constants().SecretSize
	keySize := suite.constants().KeySize
	nonceSize := suite.constants().NonceSize

	groupInfoSecret := suite.hkdfExpandLabel(epochSecret, "group info", []byte{}, secretSize)
	groupInfoKey := suite.hkdfExpandLabel(groupInfoSecret, "key", []byte{}, keySize)
	groupInfoNonce := suite.hkdfExpandLabel(groupInfoSecret, "nonce", []byte{}, nonceSize)

	return keyAndNonce{
		Key:   groupInfoKey,
		Nonce: groupInfoNonce,
	}
}

///
/// Key schedule epoch
///

type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=1"`

	EpochSecret       []byte `tls:"head=1"`
	ApplicationSecret []byte `tls:"head=1"`
	ExporterSecret    []byte `tls:"head=1"`
	ConfirmationKey   []byte `tls:"head=1"`
	InitSecret        []byte `tls:"head=1"`
}

func newKeyScheduleEpoch(suite CipherSuite, epochSecret, context []byte) keyScheduleEpoch {
	return keyScheduleEpoch{
		Suite:        suite,
		GroupContext: context,

		EpochSecret:       epochSecret,
		ApplicationSecret: suite.deriveSecret(epochSecret, "app", context),
		ExporterSecret:    suite.deriveSecret(epochSecret, "exporter", context),
		ConfirmationKey:   suite.deriveSecret(epochSecret, "confirm", context),
		InitSecret:        suite.deriveSecret(epochSecret, "init", context),
	}
}

// Next ratchets the schedule forward. The new epoch secret depends on the
// previous epoch only through InitSecret, which is a one-way function of the
// previous epoch secret.
func (kse *keyScheduleEpoch) Next(commitSecret, context []byte) keyScheduleEpoch {
	earlySecret := kse.Suite.hkdfExtract(kse.Suite.zero(), kse.InitSecret)
	preEpochSecret := kse.Suite.deriveSecret(earlySecret, "derived", context)
	epochSecret := kse.Suite.hkdfExtract(commitSecret, preEpochSecret)
	return newKeyScheduleEpoch(kse.Suite, epochSecret, context)
}

func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) []byte {
	exporterBase := kse.Suite.deriveSecret(kse.ExporterSecret, label, kse.GroupContext)
	hctx := kse.Suite.Digest(context)
	return kse.Suite.hkdfExpandLabel(exporterBase, "exporter", hctx, keyLength)
}

// treeHash binds the roster digest to this epoch's confirmation key, so two
// parties only agree on it when they agree on both membership and secret.
func (kse *keyScheduleEpoch) treeHash(rosterHash []byte) []byte {
	mac := kse.Suite.newHMAC(kse.ConfirmationKey)
	mac.Write(rosterHash)
	return mac.Sum(nil)
}

// commitSecret mixes fresh entropy with the public init key of the member
// whose arrival triggers the epoch change.
func commitSecret(suite CipherSuite, joinerKey HPKEPublicKey, entropy []byte) []byte {
	return suite.hkdfExtract(joinerKey.Data, entropy)
}
