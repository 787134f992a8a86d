package mls

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/suhasHere/mlschat/internal/clock"
)

// DefaultKeyCacheSize bounds the number of derived message keys a Codec keeps.
const DefaultKeyCacheSize = 1024

// Message is an application message as stored in a group. The plaintext is
// only recoverable by decrypting Ciphertext with the secret of Epoch.
type Message struct {
	ID         string    `cbor:"id"`
	Sender     string    `cbor:"sender"`
	Epoch      Epoch     `cbor:"epoch"`
	Generation uint32    `cbor:"generation"`
	ReuseGuard [4]byte   `cbor:"reuse_guard"`
	Ciphertext []byte    `cbor:"ciphertext"`
	Timestamp  time.Time `cbor:"timestamp"`
}

// DecryptedMessage pairs a stored message with its plaintext, or with the
// reason it could not be decrypted.
type DecryptedMessage struct {
	Message
	Plaintext []byte
	Err       error
}

// struct {
//   opaque group_id<0..255>;
//   uint32 epoch;
//   opaque sender<0..2^16-1>;
//   uint32 generation;
// } MessageHeader;
type messageHeader struct {
	GroupID    []byte `tls:"head=1"`
	Epoch      Epoch
	Sender     []byte `tls:"head=2"`
	Generation uint32
}

func newMessageHeader(g *Group, epoch Epoch, sender string, generation uint32) messageHeader {
	return messageHeader{
		GroupID:    g.GroupID,
		Epoch:      epoch,
		Sender:     []byte(sender),
		Generation: generation,
	}
}

// aad is the header followed by the 4-byte reuse guard.
func (h messageHeader) aad(reuseGuard [4]byte) ([]byte, error) {
	w := NewWriteStream()
	if err := w.WriteAll(h, reuseGuard); err != nil {
		return nil, fmt.Errorf("mls.codec: aad marshal failure %v", err)
	}
	return w.Data(), nil
}

// tbs is the header followed by the plaintext the sender signs.
func (h messageHeader) tbs(plaintext []byte) ([]byte, error) {
	w := NewWriteStream()
	if err := w.WriteAll(h, messagePlaintext{plaintext}); err != nil {
		return nil, fmt.Errorf("mls.codec: tbs marshal failure %v", err)
	}
	return w.Data(), nil
}

type messagePlaintext struct {
	Data []byte `tls:"head=4"`
}

type messageContent struct {
	Plaintext []byte `tls:"head=4"`
	Signature []byte `tls:"head=2"`
}

// Codec binds plaintexts to a group's current epoch and recovers them using
// the secret of the epoch each message was sent in.
type Codec struct {
	clock clock.Clock
	rand  io.Reader
	keys  *lru.Cache[string, keyAndNonce]
}

func NewCodec(clk clock.Clock, cacheSize int) (*Codec, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultKeyCacheSize
	}

	cache, err := lru.New[string, keyAndNonce](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("mls.codec: key cache: %w", err)
	}

	return &Codec{clock: clk, rand: rand.Reader, keys: cache}, nil
}

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

func (c *Codec) messageKeys(g *Group, epoch Epoch, sender string, generation uint32) (keyAndNonce, error) {
	appSecret, ok := g.EpochSecrets[epoch]
	if !ok {
		return keyAndNonce{}, fmt.Errorf("mls.codec: group %q epoch %d: %w", g.Name, epoch, ErrEpochUnavailable)
	}

	// Entries are keyed by the secret they were derived from, so a cached key
	// is only served to a group that holds that same secret.
	cacheKey := fmt.Sprintf("%x/%x/%d/%q/%d", g.GroupID, g.CipherSuite.Digest(appSecret), epoch, sender, generation)
	if kn, ok := c.keys.Get(cacheKey); ok {
		return kn.clone(), nil
	}

	kn := applicationKeyAndNonce(g.CipherSuite, appSecret, sender, generation)
	c.keys.Add(cacheKey, kn.clone())
	return kn, nil
}

// Send encrypts plaintext from the active identity under the group's current
// epoch and appends the result to the group.
func (c *Codec) Send(s *State, groupName string, plaintext []byte) (*Message, error) {
	sender, err := s.ActiveIdentity()
	if err != nil {
		return nil, err
	}

	g, err := s.Group(groupName)
	if err != nil {
		return nil, err
	}

	member, ok := g.member(sender.Handle)
	if !ok {
		return nil, fmt.Errorf("mls.codec: %s in %q: %w", sender.Handle, groupName, ErrNotAMember)
	}
	if !member.SignatureKey.equals(sender.SignatureKey.PublicKey) {
		return nil, fmt.Errorf("mls.codec: %s was re-initialized after joining %q: %w", sender.Handle, groupName, ErrNotAMember)
	}

	generation := g.nextGeneration(sender.Handle)
	kn, err := c.messageKeys(g, g.Epoch, sender.Handle, generation)
	if err != nil {
		return nil, err
	}

	header := newMessageHeader(g, g.Epoch, sender.Handle, generation)
	tbs, err := header.tbs(plaintext)
	if err != nil {
		return nil, err
	}

	signature, err := g.CipherSuite.Scheme().Sign(&sender.SignatureKey, tbs)
	if err != nil {
		return nil, cryptoError("mls.codec: signing: %v", err)
	}

	content, err := syntax.Marshal(messageContent{Plaintext: plaintext, Signature: signature})
	if err != nil {
		return nil, fmt.Errorf("mls.codec: content marshal failure %v", err)
	}

	var reuseGuard [4]byte
	if _, err := io.ReadFull(c.rand, reuseGuard[:]); err != nil {
		return nil, cryptoError("mls.codec: reuse guard: %v", err)
	}

	aad, err := header.aad(reuseGuard)
	if err != nil {
		return nil, err
	}

	aead, err := g.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, cryptoError("mls.codec: %v", err)
	}
	ciphertext := aead.Seal(nil, applyGuard(kn.Nonce, reuseGuard), content, aad)

	// Timestamps never go backwards within a group, even if the wall clock does.
	timestamp := c.clock.Now().UTC()
	if last := g.lastTimestamp(); timestamp.Before(last) {
		timestamp = last
	}

	msg := Message{
		ID:         uuid.NewString(),
		Sender:     sender.Handle,
		Epoch:      g.Epoch,
		Generation: generation,
		ReuseGuard: reuseGuard,
		Ciphertext: ciphertext,
		Timestamp:  timestamp,
	}
	g.Messages = append(g.Messages, msg)
	return &msg, nil
}

// Read returns the group's messages in send order without decrypting them.
func (c *Codec) Read(g *Group) []Message {
	out := make([]Message, len(g.Messages))
	copy(out, g.Messages)
	return out
}

// Open decrypts msg with the secret of the epoch it was sent in and checks
// the sender's signature against the roster.
func (c *Codec) Open(g *Group, msg Message) ([]byte, error) {
	member, ok := g.member(msg.Sender)
	if !ok {
		return nil, cryptoError("mls.codec: message %s from unknown sender %q", msg.ID, msg.Sender)
	}

	kn, err := c.messageKeys(g, msg.Epoch, msg.Sender, msg.Generation)
	if err != nil {
		return nil, err
	}

	header := newMessageHeader(g, msg.Epoch, msg.Sender, msg.Generation)
	aad, err := header.aad(msg.ReuseGuard)
	if err != nil {
		return nil, err
	}

	aead, err := g.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, cryptoError("mls.codec: %v", err)
	}
	content, err := aead.Open(nil, applyGuard(kn.Nonce, msg.ReuseGuard), msg.Ciphertext, aad)
	if err != nil {
		return nil, cryptoError("mls.codec: content decryption failure %v", err)
	}

	var mc messageContent
	r := NewReadStream(content)
	if _, err := r.Read(&mc); err != nil || r.Consumed() != len(content) {
		return nil, cryptoError("mls.codec: content unmarshal failure %v", err)
	}

	tbs, err := header.tbs(mc.Plaintext)
	if err != nil {
		return nil, err
	}

	if !g.CipherSuite.Scheme().Verify(&member.SignatureKey, tbs, mc.Signature) {
		return nil, cryptoError("mls.codec: invalid message signature")
	}
	return mc.Plaintext, nil
}

// ReadAll decrypts every message in send order. A message that fails to
// decrypt carries its error instead of a plaintext.
func (c *Codec) ReadAll(g *Group) []DecryptedMessage {
	out := make([]DecryptedMessage, 0, len(g.Messages))
	for _, msg := range c.Read(g) {
		pt, err := c.Open(g, msg)
		out = append(out, DecryptedMessage{Message: msg, Plaintext: pt, Err: err})
	}
	return out
}
