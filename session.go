package mls

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/suhasHere/mlschat/internal/clock"
)

// Store persists the three records of a State: groups, identities and the
// active identity marker. A record that does not exist yet loads as empty.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
	Close() error
}

// SessionConfig wires a Session to its collaborators. Only Store is
// required.
type SessionConfig struct {
	Store        Store
	Suite        CipherSuite
	Provider     KeyProvider
	Clock        clock.Clock
	Logger       *slog.Logger
	KeyCacheSize int
}

// Session runs one command at a time: load the state, apply a single
// operation, save the result.
type Session struct {
	store    Store
	engine   *Engine
	codec    *Codec
	provider KeyProvider
	logger   *slog.Logger
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("mls.session: no store configured")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	provider := cfg.Provider
	if provider == nil {
		suite := cfg.Suite
		if suite == CipherSuiteUnknown {
			suite = X25519_AES128GCM_SHA256_Ed25519
		}
		if err := suite.ValidForTLS(); err != nil {
			return nil, fmt.Errorf("mls.session: %v", err)
		}
		provider = NewKeyProvider(suite)
	}

	codec, err := NewCodec(cfg.Clock, cfg.KeyCacheSize)
	if err != nil {
		return nil, err
	}

	return &Session{
		store:    cfg.Store,
		engine:   NewEngine(logger),
		codec:    codec,
		provider: provider,
		logger:   logger,
	}, nil
}

func (s *Session) Close() error {
	return s.store.Close()
}

func (s *Session) load(ctx context.Context, op string) (*State, error) {
	state, err := s.store.Load(ctx)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return state, nil
}

// save persists a state that has already been mutated in memory, so any
// failure here means memory and disk have diverged.
func (s *Session) save(ctx context.Context, op string, state *State) error {
	if err := s.store.Save(ctx, state); err != nil {
		s.logger.Error("state not persisted", "op", op, "error", err)
		return &StorageError{Op: op, Diverged: true, Err: err}
	}
	return nil
}

// Init issues fresh key material for handle and makes it the active
// identity. Running Init again for the same handle replaces its keys.
func (s *Session) Init(ctx context.Context, handle string) (*Identity, error) {
	state, err := s.load(ctx, "init")
	if err != nil {
		return nil, err
	}

	id, err := s.provider.GenerateIdentity(handle)
	if err != nil {
		return nil, err
	}

	if _, ok := state.Identities[handle]; ok {
		s.logger.Warn("identity re-initialized, existing group memberships keep the old keys", "handle", handle)
	}
	state.Identities[handle] = id
	state.Active = handle

	if err := s.save(ctx, "init", state); err != nil {
		return nil, err
	}
	s.logger.Info("identity initialized", "handle", handle, "suite", id.CipherSuite)
	return id, nil
}

// Use switches the active identity to an existing handle.
func (s *Session) Use(ctx context.Context, handle string) error {
	state, err := s.load(ctx, "use")
	if err != nil {
		return err
	}

	if _, err := state.Identity(handle); err != nil {
		return err
	}
	if state.Active == handle {
		return nil
	}
	state.Active = handle

	if err := s.save(ctx, "use", state); err != nil {
		return err
	}
	s.logger.Info("active identity changed", "handle", handle)
	return nil
}

func (s *Session) CreateGroup(ctx context.Context, name string) (*Group, error) {
	state, err := s.load(ctx, "create-group")
	if err != nil {
		return nil, err
	}

	g, err := s.engine.CreateGroup(state, name)
	if err != nil {
		return nil, err
	}

	if err := s.save(ctx, "create-group", state); err != nil {
		return nil, err
	}
	return g, nil
}

// AddMember adds handle to the group. The Welcome built for the new member
// is opened with the member's own key before anything is saved, so a group
// is never persisted at an epoch its newest member could not join.
func (s *Session) AddMember(ctx context.Context, groupName, handle string) (*AddResult, error) {
	state, err := s.load(ctx, "add-member")
	if err != nil {
		return nil, err
	}

	res, err := s.engine.AddMember(state, groupName, handle)
	if err != nil {
		return nil, err
	}
	if res.AlreadyMember {
		return res, nil
	}

	// On any failure below the new epoch is dropped with this state and
	// never saved; disk keeps the previous epoch.
	joiner, err := state.Identity(handle)
	if err != nil {
		return nil, err
	}
	joined, err := JoinGroup(res.Welcome, joiner)
	if err != nil {
		return nil, fmt.Errorf("mls.session: welcome for %s: %w", handle, err)
	}
	if g := state.Groups[groupName]; joined.Epoch != g.Epoch || !bytes.Equal(joined.TreeHash, g.TreeHash) {
		return nil, cryptoError("mls.session: welcome for %s disagrees with group state", handle)
	}

	if err := s.save(ctx, "add-member", state); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Session) Send(ctx context.Context, groupName, text string) (*Message, error) {
	state, err := s.load(ctx, "send")
	if err != nil {
		return nil, err
	}

	msg, err := s.codec.Send(state, groupName, []byte(text))
	if err != nil {
		return nil, err
	}

	if err := s.save(ctx, "send", state); err != nil {
		return nil, err
	}
	s.logger.Info("message sent", "group", groupName, "sender", msg.Sender, "epoch", msg.Epoch, "id", msg.ID)
	return msg, nil
}

// List returns the group's messages in send order, each decrypted with the
// secret of the epoch it was sent in.
func (s *Session) List(ctx context.Context, groupName string) ([]DecryptedMessage, error) {
	state, err := s.load(ctx, "list")
	if err != nil {
		return nil, err
	}

	g, err := state.Group(groupName)
	if err != nil {
		return nil, err
	}

	msgs := s.codec.ReadAll(g)
	for _, m := range msgs {
		if m.Err != nil {
			s.logger.Warn("message not decryptable", "group", groupName, "id", m.ID, "epoch", m.Epoch, "error", m.Err)
		}
	}
	return msgs, nil
}

// GroupStatus is the public view of a group printed by the info command.
type GroupStatus struct {
	Name          string
	GroupID       string
	CipherSuite   CipherSuite
	Epoch         Epoch
	Members       []string
	TreeHash      string
	TreeHashValid bool
	Authenticator string
	Messages      int
}

func (s *Session) Info(ctx context.Context, groupName string) (*GroupStatus, error) {
	state, err := s.load(ctx, "info")
	if err != nil {
		return nil, err
	}

	g, err := state.Group(groupName)
	if err != nil {
		return nil, err
	}

	authenticator, err := g.Authenticator()
	if err != nil {
		return nil, err
	}

	return &GroupStatus{
		Name:          g.Name,
		GroupID:       hex.EncodeToString(g.GroupID),
		CipherSuite:   g.CipherSuite,
		Epoch:         g.Epoch,
		Members:       g.MemberHandles(),
		TreeHash:      hex.EncodeToString(g.TreeHash),
		TreeHashValid: g.VerifyTreeHash(),
		Authenticator: hex.EncodeToString(authenticator),
		Messages:      len(g.Messages),
	}, nil
}

// Active returns the handle of the active identity, or ErrNotInitialized.
func (s *Session) Active(ctx context.Context) (string, error) {
	state, err := s.load(ctx, "active")
	if err != nil {
		return "", err
	}
	id, err := state.ActiveIdentity()
	if err != nil {
		return "", err
	}
	return id.Handle, nil
}
