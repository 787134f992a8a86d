package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	mls "github.com/suhasHere/mlschat"
)

// populate creates identities for handles, makes the first active and has
// it create each named group.
func populate(t *testing.T, state *mls.State, groups []string, handles ...string) {
	t.Helper()

	provider := mls.NewKeyProvider(mls.X25519_AES128GCM_SHA256_Ed25519)
	for _, handle := range handles {
		id, err := provider.GenerateIdentity(handle)
		require.Nil(t, err)
		state.Identities[handle] = id
	}
	state.Active = handles[0]

	e := mls.NewEngine(nil)
	for _, name := range groups {
		_, err := e.CreateGroup(state, name)
		require.Nil(t, err)
	}
}

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(Options{Dir: dir})
	require.Nil(t, err)
	return s
}

func TestLoadEmpty(t *testing.T) {
	s := newStore(t, t.TempDir())

	state, err := s.Load(context.Background())
	require.Nil(t, err)
	require.Empty(t, state.Groups)
	require.Empty(t, state.Identities)
	require.Empty(t, state.Active)
	require.NotNil(t, state.Groups)
	require.NotNil(t, state.Identities)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)

	state, err := s.Load(ctx)
	require.Nil(t, err)
	populate(t, state, []string{"team", "ops"}, "alice", "bob")

	_, err = mls.NewEngine(nil).AddMember(state, "team", "bob")
	require.Nil(t, err)
	require.Nil(t, s.Save(ctx, state))

	loaded, err := newStore(t, dir).Load(ctx)
	require.Nil(t, err)
	require.Equal(t, state.Active, loaded.Active)
	require.Equal(t, state.GroupNames(), loaded.GroupNames())

	for name, g := range state.Groups {
		got := loaded.Groups[name]
		require.Equal(t, g.GroupID, got.GroupID)
		require.Equal(t, g.Epoch, got.Epoch)
		require.Equal(t, g.Secret, got.Secret)
		require.Equal(t, g.TreeHash, got.TreeHash)
		require.Equal(t, g.Members, got.Members)
		require.Equal(t, g.EpochSecrets, got.EpochSecrets)
		require.True(t, got.VerifyTreeHash())
	}
	for handle, id := range state.Identities {
		require.Equal(t, id, loaded.Identities[handle])
	}

	for _, name := range []string{groupsFile, identitiesFile, activeFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.Nil(t, err)
	}

	// No temporaries are left behind.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.Nil(t, err)
	require.Empty(t, matches)
}

func TestMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)

	state, err := s.Load(ctx)
	require.Nil(t, err)
	populate(t, state, []string{"team"}, "alice")

	codec, err := mls.NewCodec(nil, 0)
	require.Nil(t, err)
	sent, err := codec.Send(state, "team", []byte("on disk"))
	require.Nil(t, err)
	require.Nil(t, s.Save(ctx, state))

	loaded, err := newStore(t, dir).Load(ctx)
	require.Nil(t, err)

	msgs := loaded.Groups["team"].Messages
	require.Len(t, msgs, 1)
	require.Equal(t, sent.ID, msgs[0].ID)
	require.True(t, sent.Timestamp.Equal(msgs[0].Timestamp))
	require.Equal(t, sent.ReuseGuard, msgs[0].ReuseGuard)

	pt, err := codec.Open(loaded.Groups["team"], msgs[0])
	require.Nil(t, err)
	require.Equal(t, []byte("on disk"), pt)

	// Plaintext is never written out.
	raw, err := os.ReadFile(filepath.Join(dir, groupsFile))
	require.Nil(t, err)
	require.False(t, bytes.Contains(raw, []byte("on disk")))
}

func TestStaleEpoch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	setup := newStore(t, dir)
	state, err := setup.Load(ctx)
	require.Nil(t, err)
	populate(t, state, []string{"team"}, "alice", "bob", "carol")
	require.Nil(t, setup.Save(ctx, state))

	a, b := newStore(t, dir), newStore(t, dir)
	stateA, err := a.Load(ctx)
	require.Nil(t, err)
	stateB, err := b.Load(ctx)
	require.Nil(t, err)

	e := mls.NewEngine(nil)
	_, err = e.AddMember(stateA, "team", "bob")
	require.Nil(t, err)
	_, err = e.AddMember(stateB, "team", "carol")
	require.Nil(t, err)

	require.Nil(t, a.Save(ctx, stateA))
	err = b.Save(ctx, stateB)
	require.ErrorIs(t, err, mls.ErrStaleEpoch)
	require.ErrorIs(t, err, mls.ErrStorage)

	// The first writer's update survives.
	loaded, err := newStore(t, dir).Load(ctx)
	require.Nil(t, err)
	require.Equal(t, []string{"alice", "bob"}, loaded.Groups["team"].MemberHandles())

	// After reloading, the second writer can proceed.
	stateB, err = b.Load(ctx)
	require.Nil(t, err)
	_, err = e.AddMember(stateB, "team", "carol")
	require.Nil(t, err)
	require.Nil(t, b.Save(ctx, stateB))
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, b := newStore(t, dir), newStore(t, dir)

	stateA, err := a.Load(ctx)
	require.Nil(t, err)
	stateB, err := b.Load(ctx)
	require.Nil(t, err)

	populate(t, stateA, []string{"team"}, "alice")
	populate(t, stateB, []string{"team"}, "bob")

	require.Nil(t, a.Save(ctx, stateA))
	require.ErrorIs(t, b.Save(ctx, stateB), mls.ErrStaleEpoch)
}

// Writers that touch different groups both keep their changes.
func TestMergeDisjointGroups(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, b := newStore(t, dir), newStore(t, dir)

	stateA, err := a.Load(ctx)
	require.Nil(t, err)
	stateB, err := b.Load(ctx)
	require.Nil(t, err)

	populate(t, stateA, []string{"team"}, "alice")
	populate(t, stateB, []string{"ops"}, "bob")

	require.Nil(t, a.Save(ctx, stateA))
	require.Nil(t, b.Save(ctx, stateB))

	loaded, err := newStore(t, dir).Load(ctx)
	require.Nil(t, err)
	require.Equal(t, []string{"ops", "team"}, loaded.GroupNames())
	require.Contains(t, loaded.Identities, "alice")
	require.Contains(t, loaded.Identities, "bob")
	require.Equal(t, "bob", loaded.Active)
}

func TestEncryptedIdentities(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(Options{Dir: dir, Passphrase: "correct horse", ScryptWorkFactor: 10})
	require.Nil(t, err)

	state, err := s.Load(ctx)
	require.Nil(t, err)
	populate(t, state, []string{"team"}, "alice")
	require.Nil(t, s.Save(ctx, state))

	_, err = os.Stat(filepath.Join(dir, identitiesFile))
	require.ErrorIs(t, err, os.ErrNotExist)

	sealed, err := os.ReadFile(filepath.Join(dir, identitiesAgeFile))
	require.Nil(t, err)
	require.False(t, bytes.Contains(sealed, state.Identities["alice"].SignatureKey.Data))
	require.False(t, bytes.Contains(sealed, []byte("alice")))

	reopened, err := New(Options{Dir: dir, Passphrase: "correct horse"})
	require.Nil(t, err)
	loaded, err := reopened.Load(ctx)
	require.Nil(t, err)
	require.Equal(t, state.Identities["alice"], loaded.Identities["alice"])

	wrong, err := New(Options{Dir: dir, Passphrase: "battery staple"})
	require.Nil(t, err)
	_, err = wrong.Load(ctx)
	require.Error(t, err)

	_, err = newStore(t, dir).Load(ctx)
	require.Error(t, err)
}

func TestEncryptIdentitiesLater(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	plain := newStore(t, dir)
	state, err := plain.Load(ctx)
	require.Nil(t, err)
	populate(t, state, nil, "alice")
	require.Nil(t, plain.Save(ctx, state))

	sealed, err := New(Options{Dir: dir, Passphrase: "correct horse", ScryptWorkFactor: 10})
	require.Nil(t, err)
	state, err = sealed.Load(ctx)
	require.Nil(t, err)
	require.Contains(t, state.Identities, "alice")
	require.Nil(t, sealed.Save(ctx, state))

	_, err = os.Stat(filepath.Join(dir, identitiesFile))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, identitiesAgeFile))
	require.Nil(t, err)
}

func TestCanceledContext(t *testing.T) {
	s := newStore(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Save(ctx, mls.NewState()), context.Canceled)
}

func TestCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir, groupsFile), []byte{0xFF, 0x00, 0x13}, 0o600))

	_, err := newStore(t, dir).Load(context.Background())
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "data")
	_, err = New(Options{Dir: dir})
	require.Nil(t, err)
	info, err := os.Stat(dir)
	require.Nil(t, err)
	require.True(t, info.IsDir())
}

// A writer holding an old copy of an identity must not restore it over a
// re-initialization saved by another writer.
func TestStaleWriterKeepsRekey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	setup := newStore(t, dir)
	state, err := setup.Load(ctx)
	require.Nil(t, err)
	populate(t, state, nil, "alice", "bob")
	require.Nil(t, setup.Save(ctx, state))

	a, b := newStore(t, dir), newStore(t, dir)
	stateA, err := a.Load(ctx)
	require.Nil(t, err)
	stateB, err := b.Load(ctx)
	require.Nil(t, err)

	provider := mls.NewKeyProvider(mls.X25519_AES128GCM_SHA256_Ed25519)
	rekeyed, err := provider.GenerateIdentity("alice")
	require.Nil(t, err)
	stateA.Identities["alice"] = rekeyed
	require.Nil(t, a.Save(ctx, stateA))

	carol, err := provider.GenerateIdentity("carol")
	require.Nil(t, err)
	stateB.Identities["carol"] = carol
	_, err = mls.NewEngine(nil).CreateGroup(stateB, "ops")
	require.Nil(t, err)
	require.Nil(t, b.Save(ctx, stateB))

	loaded, err := newStore(t, dir).Load(ctx)
	require.Nil(t, err)
	require.Equal(t, rekeyed.Fingerprint(), loaded.Identities["alice"].Fingerprint())
	require.Contains(t, loaded.Identities, "carol")
	require.Contains(t, loaded.Groups, "ops")
	require.Equal(t, "alice", loaded.Active)
}
