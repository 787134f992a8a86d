package mls

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// Engine drives group membership: creation and member addition, each of
// which moves the group to a new epoch with a fresh secret.
type Engine struct {
	rand   io.Reader
	logger *slog.Logger
}

// NewEngine returns an Engine drawing entropy from crypto/rand. A nil logger
// discards output.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{rand: rand.Reader, logger: logger}
}

// AddResult describes the outcome of AddMember. When AlreadyMember is set
// nothing changed and Welcome is nil.
type AddResult struct {
	Epoch         Epoch
	AlreadyMember bool
	Notice        string
	Welcome       *Welcome
}

// CreateGroup creates a group with the active identity as its only member.
func (e *Engine) CreateGroup(s *State, name string) (*Group, error) {
	creator, err := s.ActiveIdentity()
	if err != nil {
		return nil, err
	}

	if _, ok := s.Groups[name]; ok {
		return nil, fmt.Errorf("mls.engine: %q: %w", name, ErrGroupExists)
	}

	id, err := uuid.NewRandomFromReader(e.rand)
	if err != nil {
		return nil, fmt.Errorf("mls.engine: group id: %w", err)
	}

	suite := creator.CipherSuite
	g := &Group{
		Name:         name,
		GroupID:      id[:],
		CipherSuite:  suite,
		Epoch:        0,
		Members:      []Member{creator.Member()},
		EpochSecrets: map[Epoch][]byte{},
	}

	entropy, err := randomBytes(e.rand, suite.constants().SecretSize)
	if err != nil {
		return nil, err
	}

	base := newKeyScheduleEpoch(suite, suite.zero(), []byte{})
	if err := g.ratchet(base, commitSecret(suite, creator.InitKey.PublicKey, entropy)); err != nil {
		return nil, err
	}

	s.Groups[name] = g
	e.logger.Info("group created",
		"group", name,
		"group_id", fmt.Sprintf("%x", g.GroupID),
		"creator", creator.Handle,
		"epoch", g.Epoch,
	)
	return g, nil
}

// AddMember adds the identity registered under handle to the named group,
// advancing the epoch and rotating the secret. Adding an existing member is
// a reported no-op.
func (e *Engine) AddMember(s *State, groupName, handle string) (*AddResult, error) {
	if _, err := s.ActiveIdentity(); err != nil {
		return nil, err
	}

	g, err := s.Group(groupName)
	if err != nil {
		return nil, err
	}

	if g.HasMember(handle) {
		e.logger.Info("member already in group", "group", groupName, "member", handle, "epoch", g.Epoch)
		return &AddResult{
			Epoch:         g.Epoch,
			AlreadyMember: true,
			Notice:        fmt.Sprintf("%s is %s %q", handle, ErrAlreadyMember, groupName),
		}, nil
	}

	joiner, err := s.Identity(handle)
	if err != nil {
		return nil, err
	}
	if joiner.CipherSuite != g.CipherSuite {
		return nil, fmt.Errorf("mls.engine: %s uses %v, group uses %v: %w", handle, joiner.CipherSuite, g.CipherSuite, ErrCrypto)
	}

	// Everything that can fail runs against a copy; the live group is only
	// replaced once the new epoch is fully built.
	prev, err := g.keys()
	if err != nil {
		return nil, err
	}

	entropy, err := randomBytes(e.rand, g.CipherSuite.constants().SecretSize)
	if err != nil {
		return nil, err
	}

	next := g.clone()
	next.Members = append(next.Members, joiner.Member())
	if err := next.ratchet(prev, commitSecret(g.CipherSuite, joiner.InitKey.PublicKey, entropy)); err != nil {
		return nil, err
	}

	welcome, err := newWelcome(next, joiner.InitKey.PublicKey)
	if err != nil {
		return nil, err
	}

	s.Groups[groupName] = next

	e.logger.Info("member added",
		"group", groupName,
		"member", handle,
		"epoch", next.Epoch,
		"members", len(next.Members),
	)
	return &AddResult{Epoch: next.Epoch, Welcome: welcome}, nil
}
