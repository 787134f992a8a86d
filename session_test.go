package mls_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mls "github.com/suhasHere/mlschat"
	"github.com/suhasHere/mlschat/internal/clock"
	"github.com/suhasHere/mlschat/store/file"
)

func newFileSession(t *testing.T, dir string) *mls.Session {
	t.Helper()

	store, err := file.New(file.Options{Dir: dir})
	require.Nil(t, err)

	s, err := mls.NewSession(mls.SessionConfig{
		Store: store,
		Clock: clock.Fake(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)),
	})
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario: init, create, add, send and list through the session, each call
// a separate load and save.
func TestSessionScenario(t *testing.T) {
	ctx := context.Background()
	s := newFileSession(t, t.TempDir())

	_, err := s.Init(ctx, "bob")
	require.Nil(t, err)
	_, err = s.Init(ctx, "alice")
	require.Nil(t, err)

	active, err := s.Active(ctx)
	require.Nil(t, err)
	require.Equal(t, "alice", active)

	g, err := s.CreateGroup(ctx, "team")
	require.Nil(t, err)
	require.Equal(t, mls.Epoch(1), g.Epoch)
	require.Equal(t, []string{"alice"}, g.MemberHandles())

	res, err := s.AddMember(ctx, "team", "bob")
	require.Nil(t, err)
	require.Equal(t, mls.Epoch(2), res.Epoch)

	msg, err := s.Send(ctx, "team", "hi")
	require.Nil(t, err)
	require.Equal(t, mls.Epoch(2), msg.Epoch)

	msgs, err := s.List(ctx, "team")
	require.Nil(t, err)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Err)
	require.Equal(t, "alice", msgs[0].Sender)
	require.Equal(t, mls.Epoch(2), msgs[0].Epoch)
	require.Equal(t, "hi", string(msgs[0].Plaintext))

	info, err := s.Info(ctx, "team")
	require.Nil(t, err)
	require.Equal(t, mls.Epoch(2), info.Epoch)
	require.Equal(t, []string{"alice", "bob"}, info.Members)
	require.Equal(t, 1, info.Messages)
	require.True(t, info.TreeHashValid)
	require.Len(t, info.GroupID, 32)
	require.Len(t, info.Authenticator, 2*mls.AuthenticatorSize)

	// Bob reads and replies.
	require.Nil(t, s.Use(ctx, "bob"))
	_, err = s.Send(ctx, "team", "hello alice")
	require.Nil(t, err)

	msgs, err = s.List(ctx, "team")
	require.Nil(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "bob", msgs[1].Sender)
	require.Equal(t, "hello alice", string(msgs[1].Plaintext))
}

// Scenario: sending before any identity exists fails with NotInitialized.
func TestSessionNotInitialized(t *testing.T) {
	ctx := context.Background()
	s := newFileSession(t, t.TempDir())

	_, err := s.Send(ctx, "team", "hi")
	require.ErrorIs(t, err, mls.ErrNotInitialized)

	_, err = s.CreateGroup(ctx, "team")
	require.ErrorIs(t, err, mls.ErrNotInitialized)

	_, err = s.Active(ctx)
	require.ErrorIs(t, err, mls.ErrNotInitialized)
}

// Scenario: state saved by one session is reproduced by a fresh one.
func TestSessionPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newFileSession(t, dir)
	for _, handle := range []string{"carol", "bob", "alice"} {
		_, err := first.Init(ctx, handle)
		require.Nil(t, err)
	}
	for _, name := range []string{"team", "ops"} {
		_, err := first.CreateGroup(ctx, name)
		require.Nil(t, err)
	}
	_, err := first.AddMember(ctx, "team", "bob")
	require.Nil(t, err)
	_, err = first.AddMember(ctx, "team", "carol")
	require.Nil(t, err)
	_, err = first.Send(ctx, "team", "persisted")
	require.Nil(t, err)

	want := map[string]*mls.GroupStatus{}
	for _, name := range []string{"team", "ops"} {
		want[name], err = first.Info(ctx, name)
		require.Nil(t, err)
	}

	second := newFileSession(t, dir)
	for name, status := range want {
		got, err := second.Info(ctx, name)
		require.Nil(t, err)
		require.Equal(t, status, got)
	}

	msgs, err := second.List(ctx, "team")
	require.Nil(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "persisted", string(msgs[0].Plaintext))

	active, err := second.Active(ctx)
	require.Nil(t, err)
	require.Equal(t, "alice", active)
}

func TestSessionAddMemberIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newFileSession(t, t.TempDir())

	_, err := s.Init(ctx, "bob")
	require.Nil(t, err)
	_, err = s.Init(ctx, "alice")
	require.Nil(t, err)
	_, err = s.CreateGroup(ctx, "team")
	require.Nil(t, err)
	_, err = s.AddMember(ctx, "team", "bob")
	require.Nil(t, err)

	before, err := s.Info(ctx, "team")
	require.Nil(t, err)

	res, err := s.AddMember(ctx, "team", "bob")
	require.Nil(t, err)
	require.True(t, res.AlreadyMember)
	require.NotEmpty(t, res.Notice)

	after, err := s.Info(ctx, "team")
	require.Nil(t, err)
	require.Equal(t, before, after)
}

func TestSessionErrors(t *testing.T) {
	ctx := context.Background()
	s := newFileSession(t, t.TempDir())

	require.ErrorIs(t, s.Use(ctx, "alice"), mls.ErrMemberNotInitialized)

	_, err := s.Init(ctx, "alice")
	require.Nil(t, err)

	_, err = s.Info(ctx, "team")
	require.ErrorIs(t, err, mls.ErrGroupNotFound)
	_, err = s.List(ctx, "team")
	require.ErrorIs(t, err, mls.ErrGroupNotFound)
	_, err = s.AddMember(ctx, "team", "bob")
	require.ErrorIs(t, err, mls.ErrGroupNotFound)

	_, err = s.CreateGroup(ctx, "team")
	require.Nil(t, err)
	_, err = s.CreateGroup(ctx, "team")
	require.ErrorIs(t, err, mls.ErrGroupExists)
	_, err = s.AddMember(ctx, "team", "bob")
	require.ErrorIs(t, err, mls.ErrMemberNotInitialized)

	// Re-running init replaces alice's keys; the group still knows the old
	// ones, so she can no longer send.
	_, err = s.Init(ctx, "alice")
	require.Nil(t, err)
	_, err = s.Send(ctx, "team", "hi")
	require.ErrorIs(t, err, mls.ErrNotAMember)

	_, err = mls.NewSession(mls.SessionConfig{})
	require.Error(t, err)
}

// brokenInitProvider issues an init key for one handle whose private half
// does not match the public half, so that handle cannot open a Welcome.
type brokenInitProvider struct {
	mls.KeyProvider
	handle string
}

func (p brokenInitProvider) GenerateIdentity(handle string) (*mls.Identity, error) {
	id, err := p.KeyProvider.GenerateIdentity(handle)
	if err != nil || handle != p.handle {
		return id, err
	}
	id.InitKey.Data = make([]byte, len(id.InitKey.Data))
	return id, nil
}

func TestSessionAddMemberWelcomeFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := file.New(file.Options{Dir: dir})
	require.Nil(t, err)
	s, err := mls.NewSession(mls.SessionConfig{
		Store:    store,
		Provider: brokenInitProvider{mls.NewKeyProvider(mls.X25519_AES128GCM_SHA256_Ed25519), "bob"},
	})
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.Init(ctx, "bob")
	require.Nil(t, err)
	_, err = s.Init(ctx, "alice")
	require.Nil(t, err)
	_, err = s.CreateGroup(ctx, "team")
	require.Nil(t, err)

	_, err = s.AddMember(ctx, "team", "bob")
	require.ErrorIs(t, err, mls.ErrCrypto)
	require.NotErrorIs(t, err, mls.ErrStorage)

	info, err := newFileSession(t, dir).Info(ctx, "team")
	require.Nil(t, err)
	require.Equal(t, mls.Epoch(1), info.Epoch)
	require.Equal(t, []string{"alice"}, info.Members)
}

// memoryStore keeps state in memory and can be told to fail.
type memoryStore struct {
	state   *mls.State
	loadErr error
	saveErr error
	saves   int
}

func (m *memoryStore) Load(context.Context) (*mls.State, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.state == nil {
		return mls.NewState(), nil
	}
	return m.state, nil
}

func (m *memoryStore) Save(_ context.Context, s *mls.State) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = s
	m.saves++
	return nil
}

func (m *memoryStore) Close() error { return nil }

func TestSessionStorageFailures(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}
	s, err := mls.NewSession(mls.SessionConfig{Store: store})
	require.Nil(t, err)

	_, err = s.Init(ctx, "alice")
	require.Nil(t, err)
	require.Equal(t, 1, store.saves)

	diskFull := errors.New("disk full")
	store.saveErr = diskFull

	_, err = s.CreateGroup(ctx, "team")
	require.ErrorIs(t, err, mls.ErrStorage)
	require.ErrorIs(t, err, diskFull)

	var storageErr *mls.StorageError
	require.True(t, errors.As(err, &storageErr))
	require.True(t, storageErr.Diverged)
	require.Equal(t, "create-group", storageErr.Op)
	require.Contains(t, err.Error(), "not persisted")

	// Read-only operations never save.
	store.saveErr = nil
	store.state = nil
	_, err = s.Init(ctx, "alice")
	require.Nil(t, err)
	saves := store.saves
	_, err = s.Active(ctx)
	require.Nil(t, err)
	require.Equal(t, saves, store.saves)

	// A failed load is reported without divergence.
	store.loadErr = errors.New("permission denied")
	_, err = s.Info(ctx, "team")
	require.ErrorIs(t, err, mls.ErrStorage)
	require.True(t, errors.As(err, &storageErr))
	require.False(t, storageErr.Diverged)
}
