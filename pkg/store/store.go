// Package store persists host sources, their parsed entries and the merged
// rule set in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	_ "modernc.org/sqlite"

	"hostguard/pkg/rules"
	"hostguard/pkg/sources"
)

// ErrNotFound is returned when a source ID does not exist.
var ErrNotFound = errors.New("source not found")

// Store handles persistence of sources and rules to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Pragmas are per connection; keep a single one so they stay in force.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		format TEXT NOT NULL,
		last_fetched_at INTEGER, -- unix milliseconds
		last_modified_remote TEXT,
		state TEXT NOT NULL DEFAULT 'outdated',
		auth_username TEXT NOT NULL DEFAULT '',
		auth_password TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		auth_header TEXT NOT NULL DEFAULT '',
		auth_scheme TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS source_entries (
		source_id INTEGER NOT NULL REFERENCES hosts_sources(id) ON DELETE CASCADE,
		host TEXT NOT NULL,
		kind TEXT NOT NULL,
		target TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_source_entries_source ON source_entries(source_id);
	CREATE TABLE IF NOT EXISTS rule_entries (
		host TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT,
		source_id INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rule_entries_kind ON rule_entries(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

const sourceColumns = `id, label, url, enabled, format, last_fetched_at, last_modified_remote, state,
	auth_username, auth_password, auth_token, auth_header, auth_scheme`

// SeedSources inserts configured sources that are not stored yet. For known
// labels the URL, format and credentials follow the configuration; a changed
// URL resets the source to outdated. Enabled flags of existing rows are kept.
func (s *Store) SeedSources(ctx context.Context, list []sources.HostsSource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, src := range list {
		var id int64
		var url string
		err := tx.QueryRowContext(ctx, `SELECT id, url FROM hosts_sources WHERE label = ?`, src.Label).Scan(&id, &url)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := insertSource(ctx, tx, src); err != nil {
				return fmt.Errorf("seed source %s: %w", src.Label, err)
			}
		case err != nil:
			return err
		default:
			query := `UPDATE hosts_sources SET url = ?, format = ?,
				auth_username = ?, auth_password = ?, auth_token = ?, auth_header = ?, auth_scheme = ?`
			args := []any{src.URL, src.Format.String(),
				src.Auth.Username, src.Auth.Password, src.Auth.Token, src.Auth.Header, src.Auth.Scheme}
			if url != src.URL {
				query += `, state = ?, last_modified_remote = NULL`
				args = append(args, sources.StateOutdated.String())
			}
			query += ` WHERE id = ?`
			args = append(args, id)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("refresh source %s: %w", src.Label, err)
			}
		}
	}
	return tx.Commit()
}

// AddSource stores a new source and returns its ID.
func (s *Store) AddSource(ctx context.Context, src sources.HostsSource) (int64, error) {
	return insertSource(ctx, s.db, src)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSource(ctx context.Context, db execer, src sources.HostsSource) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO hosts_sources (label, url, enabled, format, last_fetched_at, last_modified_remote, state,
			auth_username, auth_password, auth_token, auth_header, auth_scheme)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.Label, src.URL, src.Enabled, src.Format.String(), nullTime(src.LastFetchedAt),
		nullString(src.LastModifiedRemote), src.State.String(),
		src.Auth.Username, src.Auth.Password, src.Auth.Token, src.Auth.Header, src.Auth.Scheme,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Sources returns all stored sources ordered by ID.
func (s *Store) Sources(ctx context.Context) ([]sources.HostsSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM hosts_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sources.HostsSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Source returns one source by ID.
func (s *Store) Source(ctx context.Context, id int64) (sources.HostsSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM hosts_sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sources.HostsSource{}, ErrNotFound
	}
	return src, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (sources.HostsSource, error) {
	var (
		src           sources.HostsSource
		format, state string
		fetchedAt     sql.NullInt64
		lastModified  sql.NullString
	)
	err := row.Scan(&src.ID, &src.Label, &src.URL, &src.Enabled, &format, &fetchedAt, &lastModified, &state,
		&src.Auth.Username, &src.Auth.Password, &src.Auth.Token, &src.Auth.Header, &src.Auth.Scheme)
	if err != nil {
		return src, err
	}
	if src.Format, err = sources.ParseFormat(format); err != nil {
		return src, err
	}
	if src.State, err = sources.ParseState(state); err != nil {
		return src, err
	}
	if fetchedAt.Valid {
		t := time.UnixMilli(fetchedAt.Int64).UTC()
		src.LastFetchedAt = &t
	}
	src.LastModifiedRemote = lastModified.String
	return src, nil
}

// UpdateFetchState records the outcome of a fetch attempt.
func (s *Store) UpdateFetchState(ctx context.Context, src sources.HostsSource) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts_sources SET state = ?, last_fetched_at = ?, last_modified_remote = ? WHERE id = ?`,
		src.State.String(), nullTime(src.LastFetchedAt), nullString(src.LastModifiedRemote), src.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SetEnabled flips one source.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts_sources SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// EnableAll enables every disabled source and reports whether any changed.
func (s *Store) EnableAll(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts_sources SET enabled = 1 WHERE enabled = 0`)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveSource deletes a source and, through the foreign key, its entries.
func (s *Store) RemoveSource(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_entries WHERE source_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM hosts_sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceSourceEntries swaps the parsed entries kept for one source.
func (s *Store) ReplaceSourceEntries(ctx context.Context, id int64, entries []rules.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_entries WHERE source_id = ?`, id); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO source_entries (source_id, host, kind, target) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, id, e.Host, e.Kind.String(), nullAddr(e.Target)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Host, err)
		}
	}
	return tx.Commit()
}

// EnabledSourceEntries loads the stored entries of every enabled source,
// grouped per source in ID order.
func (s *Store) EnabledSourceEntries(ctx context.Context) ([]rules.SourceEntries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.source_id, e.host, e.kind, e.target
		FROM source_entries e JOIN hosts_sources s ON s.id = e.source_id
		WHERE s.enabled = 1
		ORDER BY e.source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.SourceEntries
	for rows.Next() {
		var id int64
		e, err := scanEntry(rows, &id)
		if err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].SourceID != id {
			out = append(out, rules.SourceEntries{SourceID: id})
		}
		out[len(out)-1].Entries = append(out[len(out)-1].Entries, e)
	}
	return out, rows.Err()
}

// SaveRuleSet replaces the persisted canonical rule set.
func (s *Store) SaveRuleSet(ctx context.Context, set *rules.Set) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_entries`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO rule_entries (host, kind, target, source_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for e := range set.All() {
		if _, err := stmt.ExecContext(ctx, e.Host, e.Kind.String(), nullAddr(e.Target), e.SourceID); err != nil {
			return fmt.Errorf("insert rule %s: %w", e.Host, err)
		}
	}
	return tx.Commit()
}

// LoadRuleSet reads the persisted canonical rule set.
func (s *Store) LoadRuleSet(ctx context.Context) (*rules.Set, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, host, kind, target FROM rule_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []rules.Entry
	for rows.Next() {
		var id int64
		e, err := scanEntry(rows, &id)
		if err != nil {
			return nil, err
		}
		e.SourceID = id
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules.NewSet(entries), nil
}

// CountByKind returns the number of canonical rules per kind.
func (s *Store) CountByKind(ctx context.Context) (map[rules.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM rule_entries GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[rules.Kind]int{}
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, err
		}
		kind, err := rules.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func scanEntry(rows *sql.Rows, sourceID *int64) (rules.Entry, error) {
	var (
		e      rules.Entry
		kind   string
		target sql.NullString
	)
	if err := rows.Scan(sourceID, &e.Host, &kind, &target); err != nil {
		return e, err
	}
	k, err := rules.ParseKind(kind)
	if err != nil {
		return e, err
	}
	e.Kind = k
	if target.Valid && target.String != "" {
		addr, err := netip.ParseAddr(target.String)
		if err != nil {
			return e, fmt.Errorf("rule %s: %w", e.Host, err)
		}
		e.Target = addr
	}
	return e, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullAddr(a netip.Addr) sql.NullString {
	if !a.IsValid() {
		return sql.NullString{}
	}
	return sql.NullString{String: a.String(), Valid: true}
}
