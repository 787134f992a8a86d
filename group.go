package mls

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
)

type Epoch uint32

// Member is a roster entry: a handle and the public keys it joined with.
type Member struct {
	Handle       string             `cbor:"handle"`
	SignatureKey SignaturePublicKey `cbor:"signature_key"`
	InitKey      HPKEPublicKey      `cbor:"init_key"`
}

type rosterEntry struct {
	Credential BasicCredential
	InitKey    HPKEPublicKey
}

type roster struct {
	Entries []rosterEntry `tls:"head=4"`
}

///
/// GroupContext
///
type GroupContext struct {
	GroupID    []byte `tls:"head=1"`
	Epoch      Epoch
	RosterHash []byte `tls:"head=1"`
}

// Group is the unit of membership and secrecy. Secret is the current epoch
// secret; EpochSecrets keeps the application secret of every epoch this
// party has seen so that older messages stay readable.
type Group struct {
	Name         string           `cbor:"name"`
	GroupID      []byte           `cbor:"group_id"`
	CipherSuite  CipherSuite      `cbor:"suite"`
	Epoch        Epoch            `cbor:"epoch"`
	Secret       []byte           `cbor:"secret"`
	TreeHash     []byte           `cbor:"tree_hash"`
	Members      []Member         `cbor:"members"`
	EpochSecrets map[Epoch][]byte `cbor:"epoch_secrets"`
	Messages     []Message        `cbor:"messages"`
}

func (g *Group) member(handle string) (*Member, bool) {
	for i := range g.Members {
		if g.Members[i].Handle == handle {
			return &g.Members[i], true
		}
	}
	return nil, false
}

func (g *Group) HasMember(handle string) bool {
	_, ok := g.member(handle)
	return ok
}

// MemberHandles returns the roster handles in join order.
func (g *Group) MemberHandles() []string {
	handles := make([]string, len(g.Members))
	for i, m := range g.Members {
		handles[i] = m.Handle
	}
	return handles
}

// rosterHash digests the roster in handle order, independent of join order.
func (g *Group) rosterHash() ([]byte, error) {
	entries := make([]rosterEntry, 0, len(g.Members))
	for _, m := range g.Members {
		entries = append(entries, rosterEntry{
			Credential: BasicCredential{
				Identity:        []byte(m.Handle),
				SignatureScheme: g.CipherSuite.Scheme(),
				PublicKey:       m.SignatureKey,
			},
			InitKey: m.InitKey,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Credential.Identity, entries[j].Credential.Identity) < 0
	})

	enc, err := syntax.Marshal(roster{entries})
	if err != nil {
		return nil, fmt.Errorf("mls.group: roster marshal failure %v", err)
	}
	return g.CipherSuite.Digest(enc), nil
}

func (g *Group) groupContext() ([]byte, []byte, error) {
	rosterHash, err := g.rosterHash()
	if err != nil {
		return nil, nil, err
	}

	ctx, err := syntax.Marshal(GroupContext{
		GroupID:    g.GroupID,
		Epoch:      g.Epoch,
		RosterHash: rosterHash,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mls.group: groupCtx marshal failure %v", err)
	}
	return ctx, rosterHash, nil
}

// keys rebuilds the key schedule of the current epoch from the stored
// epoch secret.
func (g *Group) keys() (keyScheduleEpoch, error) {
	ctx, _, err := g.groupContext()
	if err != nil {
		return keyScheduleEpoch{}, err
	}
	return newKeyScheduleEpoch(g.CipherSuite, g.Secret, ctx), nil
}

// ratchet advances the group by one epoch from prev, mixing in commitSecret.
// Membership must already reflect the new epoch.
func (g *Group) ratchet(prev keyScheduleEpoch, commitSecret []byte) error {
	g.Epoch += 1

	ctx, rosterHash, err := g.groupContext()
	if err != nil {
		return err
	}

	next := prev.Next(commitSecret, ctx)
	g.Secret = next.EpochSecret
	g.TreeHash = next.treeHash(rosterHash)
	if g.EpochSecrets == nil {
		g.EpochSecrets = map[Epoch][]byte{}
	}
	g.EpochSecrets[g.Epoch] = dup(next.ApplicationSecret)
	return nil
}

// VerifyTreeHash recomputes the tree hash from the stored secret and roster.
func (g *Group) VerifyTreeHash() bool {
	kse, err := g.keys()
	if err != nil {
		return false
	}
	_, rosterHash, err := g.groupContext()
	if err != nil {
		return false
	}
	return bytes.Equal(kse.treeHash(rosterHash), g.TreeHash)
}

// AuthenticatorSize is the length of the epoch authenticator in bytes.
const AuthenticatorSize = 8

// Authenticator exports a short value from the current epoch. Members that
// hold the same epoch derive the same value and can compare it out of band.
func (g *Group) Authenticator() ([]byte, error) {
	kse, err := g.keys()
	if err != nil {
		return nil, err
	}
	return kse.Export("authenticator", g.GroupID, AuthenticatorSize), nil
}

// GroupVersion identifies a persisted group state. Every successful
// mutation changes it: AddMember advances Epoch and Send adds a message.
type GroupVersion struct {
	Epoch    Epoch
	Messages int
}

func (g *Group) Version() GroupVersion {
	return GroupVersion{Epoch: g.Epoch, Messages: len(g.Messages)}
}

func (g *Group) nextGeneration(sender string) uint32 {
	var generation uint32
	for _, m := range g.Messages {
		if m.Epoch == g.Epoch && m.Sender == sender {
			generation = m.Generation + 1
		}
	}
	return generation
}

func (g *Group) lastTimestamp() time.Time {
	if len(g.Messages) == 0 {
		return time.Time{}
	}
	return g.Messages[len(g.Messages)-1].Timestamp
}

func (g Group) clone() *Group {
	// Messages are append-only, so the copy shares their backing values.
	clone := &Group{
		Name:         g.Name,
		GroupID:      dup(g.GroupID),
		CipherSuite:  g.CipherSuite,
		Epoch:        g.Epoch,
		Secret:       dup(g.Secret),
		TreeHash:     dup(g.TreeHash),
		Members:      make([]Member, len(g.Members)),
		EpochSecrets: make(map[Epoch][]byte, len(g.EpochSecrets)),
		Messages:     make([]Message, len(g.Messages)),
	}
	copy(clone.Members, g.Members)
	copy(clone.Messages, g.Messages)
	for epoch, secret := range g.EpochSecrets {
		clone.EpochSecrets[epoch] = dup(secret)
	}
	return clone
}

///
/// State
///

// State is everything a Store persists: all groups by name, all identities by
// handle, and the handle of the active identity.
type State struct {
	Groups     map[string]*Group    `cbor:"groups"`
	Identities map[string]*Identity `cbor:"identities"`
	Active     string               `cbor:"active"`
}

func NewState() *State {
	return &State{
		Groups:     map[string]*Group{},
		Identities: map[string]*Identity{},
	}
}

// ActiveIdentity returns the identity commands act as.
func (s *State) ActiveIdentity() (*Identity, error) {
	if s.Active == "" {
		return nil, ErrNotInitialized
	}
	id, ok := s.Identities[s.Active]
	if !ok {
		return nil, fmt.Errorf("mls.state: active identity %q has no key material: %w", s.Active, ErrNotInitialized)
	}
	return id, nil
}

func (s *State) Group(name string) (*Group, error) {
	g, ok := s.Groups[name]
	if !ok {
		return nil, fmt.Errorf("mls.state: %q: %w", name, ErrGroupNotFound)
	}
	return g, nil
}

func (s *State) Identity(handle string) (*Identity, error) {
	id, ok := s.Identities[handle]
	if !ok {
		return nil, fmt.Errorf("mls.state: %q: %w", handle, ErrMemberNotInitialized)
	}
	return id, nil
}

// GroupNames returns the group names in sorted order.
func (s *State) GroupNames() []string {
	names := make([]string, 0, len(s.Groups))
	for name := range s.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
