// Package file stores group state as CBOR records in a directory, one file
// per record. Writes replace a record atomically and a Save only touches the
// groups, identities and active marker this process changed, refusing any
// group that changed on disk since Load.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"golang.org/x/sys/unix"

	mls "github.com/suhasHere/mlschat"
	"github.com/suhasHere/mlschat/internal/codec"
)

const (
	groupsFile        = "groups.cbor"
	identitiesFile    = "identities.cbor"
	identitiesAgeFile = "identities.cbor.age"
	activeFile        = "active.cbor"
	lockFile          = ".lock"
)

type activeRecord struct {
	Handle string `cbor:"handle"`
}

// Options configures a Store. When Passphrase is set the identities record,
// which holds private keys, is encrypted at rest with an age scrypt
// recipient.
type Options struct {
	Dir        string
	Passphrase string

	// ScryptWorkFactor is the log2 scrypt cost for newly written
	// identities. Zero keeps the age default.
	ScryptWorkFactor int

	Logger *slog.Logger
}

type Store struct {
	dir        string
	passphrase string
	workFactor int
	logger     *slog.Logger

	mu         sync.Mutex
	baseline   map[string]mls.GroupVersion
	identities map[string]string
	active     string
}

var _ mls.Store = (*Store)(nil)

func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("mls.store.file: no data directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("mls.store.file: creating %s: %w", opts.Dir, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		dir:        opts.Dir,
		passphrase: opts.Passphrase,
		workFactor: opts.ScryptWorkFactor,
		logger:     logger,
		baseline:   map[string]mls.GroupVersion{},
		identities: map[string]string{},
	}, nil
}

// Load reads all three records. A record that does not exist loads as empty.
func (s *Store) Load(ctx context.Context) (*mls.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state := mls.NewState()

	if err := s.readRecord(groupsFile, &state.Groups); err != nil {
		return nil, err
	}
	if state.Groups == nil {
		state.Groups = map[string]*mls.Group{}
	}

	identities, err := s.readIdentities()
	if err != nil {
		return nil, err
	}
	state.Identities = identities

	var active activeRecord
	if err := s.readRecord(activeFile, &active); err != nil {
		return nil, err
	}
	state.Active = active.Handle

	s.mu.Lock()
	s.baseline = make(map[string]mls.GroupVersion, len(state.Groups))
	for name, g := range state.Groups {
		s.baseline[name] = g.Version()
	}
	s.identities = fingerprints(state.Identities)
	s.active = state.Active
	s.mu.Unlock()

	s.logger.Debug("state loaded", "dir", s.dir, "groups", len(state.Groups), "identities", len(state.Identities))
	return state, nil
}

// Save writes the groups, identities and active marker changed since Load,
// merged over what is on disk, so a stale copy never undoes another
// writer's change to a record this process left alone. It fails with
// mls.ErrStaleEpoch if another writer saved one of the changed groups first.
func (s *Store) Save(ctx context.Context, state *mls.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk := map[string]*mls.Group{}
	if err := s.readRecord(groupsFile, &onDisk); err != nil {
		return err
	}
	if onDisk == nil {
		onDisk = map[string]*mls.Group{}
	}

	changed := 0
	for name, g := range state.Groups {
		loaded, wasLoaded := s.baseline[name]
		if wasLoaded && loaded == g.Version() {
			continue
		}

		current, exists := onDisk[name]
		switch {
		case exists && !wasLoaded:
			return fmt.Errorf("mls.store.file: group %q was created by another writer: %w", name, mls.ErrStaleEpoch)
		case exists && current.Version() != loaded:
			return fmt.Errorf("mls.store.file: group %q is at epoch %d on disk, loaded at %d: %w",
				name, current.Epoch, loaded.Epoch, mls.ErrStaleEpoch)
		}

		onDisk[name] = g
		changed++
	}

	if changed > 0 {
		if err := s.writeRecord(groupsFile, onDisk); err != nil {
			return err
		}
	}

	identities, err := s.readIdentities()
	if err != nil {
		return err
	}
	rekeyed := 0
	for handle, id := range state.Identities {
		if s.identities[handle] == id.Fingerprint() {
			continue
		}
		identities[handle] = id
		rekeyed++
	}
	if rekeyed > 0 || s.unsealed() {
		if err := s.writeIdentities(identities); err != nil {
			return err
		}
	}

	if state.Active != s.active {
		if err := s.writeRecord(activeFile, activeRecord{Handle: state.Active}); err != nil {
			return err
		}
		s.active = state.Active
	}

	for name, g := range onDisk {
		s.baseline[name] = g.Version()
	}
	s.identities = fingerprints(identities)

	s.logger.Debug("state saved", "dir", s.dir, "groups_changed", changed, "identities_changed", rekeyed)
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.path(lockFile), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mls.store.file: opening lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("mls.store.file: locking %s: %w", s.dir, err)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (s *Store) readRecord(name string, v any) error {
	f, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mls.store.file: opening %s: %w", name, err)
	}
	defer f.Close()

	return s.decode(name, f, v)
}

func (s *Store) decode(name string, r io.Reader, v any) error {
	if err := codec.NewDecoder(r).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("mls.store.file: decoding %s: %w", name, err)
	}
	return nil
}

func (s *Store) writeRecord(name string, v any) error {
	return s.writeAtomic(name, func(w io.Writer) error {
		return codec.NewEncoder(w).Encode(v)
	})
}

// writeAtomic writes through a temporary file in the same directory and
// renames it over the record, so readers see either the old or the new
// record and never a partial one.
func (s *Store) writeAtomic(name string, write func(io.Writer) error) error {
	path := s.path(name)
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("mls.store.file: creating temporary %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mls.store.file: writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mls.store.file: syncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mls.store.file: closing %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mls.store.file: replacing %s: %w", name, err)
	}
	return nil
}

///
/// Identities
///

func fingerprints(identities map[string]*mls.Identity) map[string]string {
	out := make(map[string]string, len(identities))
	for handle, id := range identities {
		out[handle] = id.Fingerprint()
	}
	return out
}

// unsealed reports whether a passphrase is configured but the identities
// are still held in the plaintext record.
func (s *Store) unsealed() bool {
	if s.passphrase == "" {
		return false
	}
	_, err := os.Stat(s.path(identitiesFile))
	return err == nil
}

func (s *Store) readIdentities() (map[string]*mls.Identity, error) {
	identities := map[string]*mls.Identity{}

	sealed, err := os.ReadFile(s.path(identitiesAgeFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := s.readRecord(identitiesFile, &identities); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, fmt.Errorf("mls.store.file: reading %s: %w", identitiesAgeFile, err)

	default:
		if s.passphrase == "" {
			return nil, fmt.Errorf("mls.store.file: %s is encrypted and no passphrase is configured", identitiesAgeFile)
		}

		identity, err := age.NewScryptIdentity(s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("mls.store.file: passphrase: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(sealed), identity)
		if err != nil {
			return nil, fmt.Errorf("mls.store.file: decrypting %s: %w", identitiesAgeFile, err)
		}
		if err := s.decode(identitiesAgeFile, r, &identities); err != nil {
			return nil, err
		}
	}

	if identities == nil {
		identities = map[string]*mls.Identity{}
	}
	return identities, nil
}

func (s *Store) writeIdentities(identities map[string]*mls.Identity) error {
	if s.passphrase == "" {
		return s.writeRecord(identitiesFile, identities)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("mls.store.file: passphrase: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	err = s.writeAtomic(identitiesAgeFile, func(w io.Writer) error {
		enc, err := age.Encrypt(w, recipient)
		if err != nil {
			return fmt.Errorf("creating age encryptor: %w", err)
		}
		if err := codec.NewEncoder(enc).Encode(identities); err != nil {
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return err
	}

	// A plaintext record from before the passphrase was set still holds keys.
	if err := os.Remove(s.path(identitiesFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("mls.store.file: removing plaintext %s: %w", identitiesFile, err)
	}
	return nil
}
