// Package sqlite stores group state in a single SQLite database. Each group
// is a row guarded by its (epoch, message count) version, so a Save from a
// process holding a stale copy is rejected instead of overwriting newer
// state. Identities and the active marker are only written when they
// changed since Load.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	mls "github.com/suhasHere/mlschat"
	"github.com/suhasHere/mlschat/internal/codec"
)

//go:embed schema.sql
var schemaSQL string

// DatabaseFile is the database name inside the data directory.
const DatabaseFile = "mlschat.db"

type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu         sync.Mutex
	baseline   map[string]mls.GroupVersion
	identities map[string]string
	active     string
}

var _ mls.Store = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mls.store.sqlite: creating %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("mls.store.sqlite: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("mls.store.sqlite: initialize schema: %w", err)
	}

	return &Store{
		db:         db,
		logger:     logger,
		baseline:   map[string]mls.GroupVersion{},
		identities: map[string]string{},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) (*mls.State, error) {
	state := mls.NewState()
	baseline := map[string]mls.GroupVersion{}

	rows, err := s.db.QueryContext(ctx, `SELECT name, data FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("mls.store.sqlite: query groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("mls.store.sqlite: scan group: %w", err)
		}

		var g mls.Group
		if err := codec.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("mls.store.sqlite: decoding group %q: %w", name, err)
		}
		state.Groups[name] = &g
		baseline[name] = g.Version()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mls.store.sqlite: query groups: %w", err)
	}

	identities, err := s.db.QueryContext(ctx, `SELECT handle, data FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("mls.store.sqlite: query identities: %w", err)
	}
	defer identities.Close()

	for identities.Next() {
		var handle string
		var data []byte
		if err := identities.Scan(&handle, &data); err != nil {
			return nil, fmt.Errorf("mls.store.sqlite: scan identity: %w", err)
		}

		var id mls.Identity
		if err := codec.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("mls.store.sqlite: decoding identity %q: %w", handle, err)
		}
		state.Identities[handle] = &id
	}
	if err := identities.Err(); err != nil {
		return nil, fmt.Errorf("mls.store.sqlite: query identities: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT handle FROM active WHERE id = 1`).Scan(&state.Active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mls.store.sqlite: query active identity: %w", err)
	}

	s.mu.Lock()
	s.baseline = baseline
	s.identities = make(map[string]string, len(state.Identities))
	for handle, id := range state.Identities {
		s.identities[handle] = id.Fingerprint()
	}
	s.active = state.Active
	s.mu.Unlock()

	return state, nil
}

// Save writes every group whose version changed since Load, conditioned on
// the row still holding the loaded version. It fails with mls.ErrStaleEpoch
// and writes nothing if any condition does not hold.
func (s *Store) Save(ctx context.Context, state *mls.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mls.store.sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	written := map[string]mls.GroupVersion{}
	for name, g := range state.Groups {
		loaded, wasLoaded := s.baseline[name]
		version := g.Version()
		if wasLoaded && loaded == version {
			continue
		}

		data, err := codec.Marshal(g)
		if err != nil {
			return fmt.Errorf("mls.store.sqlite: encoding group %q: %w", name, err)
		}

		var res sql.Result
		if wasLoaded {
			res, err = tx.ExecContext(ctx,
				`UPDATE groups SET epoch = ?, messages = ?, data = ?
				 WHERE name = ? AND epoch = ? AND messages = ?`,
				version.Epoch, version.Messages, data, name, loaded.Epoch, loaded.Messages)
		} else {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO groups (name, epoch, messages, data) VALUES (?, ?, ?, ?)
				 ON CONFLICT(name) DO NOTHING`,
				name, version.Epoch, version.Messages, data)
		}
		if err != nil {
			return fmt.Errorf("mls.store.sqlite: writing group %q: %w", name, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mls.store.sqlite: writing group %q: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("mls.store.sqlite: group %q changed since epoch %d was loaded: %w",
				name, loaded.Epoch, mls.ErrStaleEpoch)
		}
		written[name] = version
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO identities (handle, data) VALUES (?, ?)
		 ON CONFLICT(handle) DO UPDATE SET data = excluded.data`)
	if err != nil {
		return fmt.Errorf("mls.store.sqlite: prepare identities: %w", err)
	}
	defer stmt.Close()

	rekeyed := map[string]string{}
	for handle, id := range state.Identities {
		fingerprint := id.Fingerprint()
		if s.identities[handle] == fingerprint {
			continue
		}

		data, err := codec.Marshal(id)
		if err != nil {
			return fmt.Errorf("mls.store.sqlite: encoding identity %q: %w", handle, err)
		}
		if _, err := stmt.ExecContext(ctx, handle, data); err != nil {
			return fmt.Errorf("mls.store.sqlite: writing identity %q: %w", handle, err)
		}
		rekeyed[handle] = fingerprint
	}

	if state.Active != "" && state.Active != s.active {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO active (id, handle) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET handle = excluded.handle`,
			state.Active)
		if err != nil {
			return fmt.Errorf("mls.store.sqlite: writing active identity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mls.store.sqlite: commit: %w", err)
	}

	for name, version := range written {
		s.baseline[name] = version
	}
	for handle, fingerprint := range rekeyed {
		s.identities[handle] = fingerprint
	}
	s.active = state.Active
	s.logger.Debug("state saved", "groups_changed", len(written), "identities_changed", len(rekeyed))
	return nil
}
