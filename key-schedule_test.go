package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeySchedule(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	secretSize := suite.constants().SecretSize
	keySize := suite.constants().KeySize
	nonceSize := suite.constants().NonceSize

	epochSecret1 := unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	context1 := []byte("first")

	commitSecret2 := unhex("404142434445464748494a4b4c4d4e4f505152535455565758595a5b5c5d5e5f")
	context2 := []byte("second")

	checkEpoch := func(epoch *keyScheduleEpoch) {
		require.Equal(t, epoch.Suite, suite)
		require.Equal(t, len(epoch.EpochSecret), secretSize)
		require.Equal(t, len(epoch.ApplicationSecret), secretSize)
		require.Equal(t, len(epoch.ExporterSecret), secretSize)
		require.Equal(t, len(epoch.ConfirmationKey), secretSize)
		require.Equal(t, len(epoch.InitSecret), secretSize)

		for _, sender := range []string{"alice", "bob"} {
			kn := applicationKeyAndNonce(suite, epoch.ApplicationSecret, sender, 3)
			require.Equal(t, len(kn.Key), keySize)
			require.Equal(t, len(kn.Nonce), nonceSize)
		}
	}

	epoch1 := newKeyScheduleEpoch(suite, epochSecret1, context1)
	checkEpoch(&epoch1)

	epoch2 := epoch1.Next(commitSecret2, context2)
	checkEpoch(&epoch2)

	require.NotEqual(t, epoch1.EpochSecret, epoch2.EpochSecret)
	require.NotEqual(t, epoch1.ApplicationSecret, epoch2.ApplicationSecret)

	// The chain is deterministic in its inputs.
	again := epoch1.Next(commitSecret2, context2)
	require.Equal(t, epoch2.EpochSecret, again.EpochSecret)

	// and depends on every one of them.
	otherCommit := epoch1.Next(epochSecret1, context2)
	require.NotEqual(t, epoch2.EpochSecret, otherCommit.EpochSecret)
	otherContext := epoch1.Next(commitSecret2, context1)
	require.NotEqual(t, epoch2.EpochSecret, otherContext.EpochSecret)
}

func TestApplicationKeys(t *testing.T) {
	suite := X25519_CHACHA20POLY1305_SHA256_Ed25519
	appSecret := unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	a0 := applicationKeyAndNonce(suite, appSecret, "alice", 0)
	a1 := applicationKeyAndNonce(suite, appSecret, "alice", 1)
	b0 := applicationKeyAndNonce(suite, appSecret, "bob", 0)

	require.Equal(t, a0, applicationKeyAndNonce(suite, appSecret, "alice", 0))
	require.NotEqual(t, a0.Key, a1.Key)
	require.NotEqual(t, a0.Nonce, a1.Nonce)
	require.NotEqual(t, a0.Key, b0.Key)
	require.Len(t, a0.Key, 32)

	clone := a0.clone()
	zeroize(clone.Key)
	require.NotEqual(t, a0.Key, clone.Key)
}

func TestGroupInfoKeys(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	epochSecret := unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	kn := groupInfoKeyAndNonce(suite, epochSecret)
	require.Len(t, kn.Key, suite.constants().KeySize)
	require.Len(t, kn.Nonce, suite.constants().NonceSize)

	kse := newKeyScheduleEpoch(suite, epochSecret, nil)
	app := applicationKeyAndNonce(suite, kse.ApplicationSecret, "alice", 0)
	require.NotEqual(t, kn.Key, app.Key)
}

func TestTreeHashAndExport(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	kse1 := newKeyScheduleEpoch(suite, suite.zero(), []byte("ctx"))
	kse2 := kse1.Next(unhex("01"), []byte("ctx"))

	rosterHash := suite.Digest([]byte("roster"))
	require.Equal(t, kse1.treeHash(rosterHash), kse1.treeHash(rosterHash))
	require.NotEqual(t, kse1.treeHash(rosterHash), kse2.treeHash(rosterHash))
	require.NotEqual(t, kse1.treeHash(rosterHash), kse1.treeHash(suite.Digest([]byte("other"))))

	exported := kse2.Export("test", []byte("context"), 24)
	require.Len(t, exported, 24)
	require.NotEqual(t, exported, kse1.Export("test", []byte("context"), 24))
}

func TestCommitSecret(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	entropy := unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	a := commitSecret(suite, HPKEPublicKey{unhex("aa")}, entropy)
	b := commitSecret(suite, HPKEPublicKey{unhex("bb")}, entropy)
	require.Len(t, a, suite.constants().SecretSize)
	require.NotEqual(t, a, b)
}
