package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

// Signer signs identity document updates.
type Signer interface {
	ID() models.NodeID
	Sign(msg []byte) []byte
}

// Store is the local policy store and identity document database.
type Store struct {
	conn   *sql.DB
	local  models.NodeID
	signer Signer
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSigner enables delegate updates, signed by s.
func WithSigner(s Signer) StoreOption {
	return func(st *Store) { st.signer = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(st *Store) { st.now = now }
}

var _ Node = (*Store)(nil)

// Open opens (or creates) the store at dsn for the node local.
func Open(dsn string, local models.NodeID, opts ...StoreOption) (*Store, error) {
	conn, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{conn: conn, local: local, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) LocalID() models.NodeID { return s.local }

func (s *Store) Seed(ctx context.Context, rid models.RepoID, scope Scope) error {
	if !rid.Valid() {
		return apperr.Invalid("rid", "malformed repository id")
	}
	if scope == "" {
		scope = ScopeFollowed
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO seed_policies (rid, scope) VALUES (?, ?)
		ON CONFLICT(rid) DO UPDATE SET scope = excluded.scope
	`, rid.String(), string(scope))
	if err != nil {
		return fmt.Errorf("node: seed %s: %w", rid, err)
	}
	return nil
}

func (s *Store) Unseed(ctx context.Context, rid models.RepoID) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM seed_policies WHERE rid = ?`, rid.String()); err != nil {
		return fmt.Errorf("node: unseed %s: %w", rid, err)
	}
	return nil
}

func (s *Store) SeedPolicies(ctx context.Context) ([]SeedPolicy, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT rid, scope FROM seed_policies ORDER BY rid`)
	if err != nil {
		return nil, fmt.Errorf("node: seed policies: %w", err)
	}
	defer rows.Close()
	var out []SeedPolicy
	for rows.Next() {
		var rid, scope string
		if err := rows.Scan(&rid, &scope); err != nil {
			return nil, err
		}
		out = append(out, SeedPolicy{RID: models.RepoID(rid), Scope: Scope(scope)})
	}
	return out, rows.Err()
}

func (s *Store) Follow(ctx context.Context, nid models.NodeID, alias string) (bool, error) {
	if nid == s.local {
		return false, apperr.Invalid("nid", "cannot follow the local node")
	}
	var curAlias string
	var blocked bool
	err := s.conn.QueryRowContext(ctx,
		`SELECT alias, blocked FROM follow_policies WHERE nid = ?`, nid.String()).Scan(&curAlias, &blocked)
	switch {
	case err == nil && curAlias == alias && !blocked:
		return false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("node: follow %s: %w", nid.Short(), err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO follow_policies (nid, alias, blocked, since) VALUES (?, ?, 0, ?)
		ON CONFLICT(nid) DO UPDATE SET alias = excluded.alias, blocked = 0
	`, nid.String(), alias, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("node: follow %s: %w", nid.Short(), err)
	}
	return true, nil
}

func (s *Store) Unfollow(ctx context.Context, nid models.NodeID) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM follow_policies WHERE nid = ?`, nid.String())
	if err != nil {
		return false, fmt.Errorf("node: unfollow %s: %w", nid.Short(), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Block records nid as blocked. Blocked peers keep their policy row but are
// never replicated from.
func (s *Store) Block(ctx context.Context, nid models.NodeID) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO follow_policies (nid, blocked, since) VALUES (?, 1, ?)
		ON CONFLICT(nid) DO UPDATE SET blocked = 1
	`, nid.String(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("node: block %s: %w", nid.Short(), err)
	}
	return nil
}

func (s *Store) FollowPolicies(ctx context.Context) ([]FollowPolicy, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT nid, alias, blocked, since FROM follow_policies ORDER BY since, nid`)
	if err != nil {
		return nil, fmt.Errorf("node: follow policies: %w", err)
	}
	defer rows.Close()
	var out []FollowPolicy
	for rows.Next() {
		var nid string
		var p FollowPolicy
		if err := rows.Scan(&nid, &p.Alias, &p.Blocked, &p.Since); err != nil {
			return nil, err
		}
		if p.NID, err = models.ParseNodeID(nid); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InitRepository(ctx context.Context, doc Repository) error {
	if !doc.RID.Valid() {
		return apperr.Invalid("rid", "malformed repository id")
	}
	if len(doc.Delegates) == 0 {
		doc.Delegates = []models.NodeID{s.local}
	}
	delegates, err := json.Marshal(doc.Delegates)
	if err != nil {
		return fmt.Errorf("node: encode delegates: %w", err)
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO repositories (rid, name, delegates, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(rid) DO NOTHING
	`, doc.RID.String(), doc.Name, string(delegates), doc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("node: init repository %s: %w", doc.RID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s: %w", doc.RID, apperr.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Repository(ctx context.Context, rid models.RepoID) (Repository, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT rid, name, delegates, created_at FROM repositories WHERE rid = ?`, rid.String())
	doc, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, fmt.Errorf("repository %s: %w", rid, apperr.ErrNotFound)
	}
	return doc, err
}

func (s *Store) Repositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT rid, name, delegates, created_at FROM repositories ORDER BY rid`)
	if err != nil {
		return nil, fmt.Errorf("node: repositories: %w", err)
	}
	defer rows.Close()
	var out []Repository
	for rows.Next() {
		doc, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (Repository, error) {
	var doc Repository
	var rid, delegates string
	if err := row.Scan(&rid, &doc.Name, &delegates, &doc.CreatedAt); err != nil {
		return doc, err
	}
	doc.RID = models.RepoID(rid)
	if err := json.Unmarshal([]byte(delegates), &doc.Delegates); err != nil {
		return doc, fmt.Errorf("node: decode delegates of %s: %w", rid, err)
	}
	return doc, nil
}

// UpdateDelegates rewrites the delegate set of rid and signs the new
// document. Without a signer it fails with apperr.ErrNotImplemented.
func (s *Store) UpdateDelegates(ctx context.Context, rid models.RepoID, add, remove []models.NodeID) (Repository, error) {
	if s.signer == nil {
		return Repository{}, fmt.Errorf("update delegates of %s: %w", rid, apperr.ErrNotImplemented)
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Repository{}, fmt.Errorf("node: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT rid, name, delegates, created_at FROM repositories WHERE rid = ?`, rid.String())
	doc, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, fmt.Errorf("repository %s: %w", rid, apperr.ErrNotFound)
	}
	if err != nil {
		return Repository{}, err
	}

	for _, nid := range add {
		if !doc.IsDelegate(nid) {
			doc.Delegates = append(doc.Delegates, nid)
		}
	}
	doc.Delegates = slices.DeleteFunc(doc.Delegates, func(nid models.NodeID) bool {
		return slices.Contains(remove, nid)
	})
	if len(doc.Delegates) == 0 {
		return Repository{}, apperr.Invalid("delegates", "a repository needs at least one delegate")
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return Repository{}, fmt.Errorf("node: encode document: %w", err)
	}
	delegates, _ := json.Marshal(doc.Delegates)
	_, err = tx.ExecContext(ctx, `UPDATE repositories SET delegates = ?, signature = ? WHERE rid = ?`,
		string(delegates), s.signer.Sign(payload), rid.String())
	if err != nil {
		return Repository{}, fmt.Errorf("node: update delegates of %s: %w", rid, err)
	}
	if err := tx.Commit(); err != nil {
		return Repository{}, fmt.Errorf("node: commit: %w", err)
	}
	return doc, nil
}

func (s *Store) AnnounceRefs(ctx context.Context, rid models.RepoID) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO announcements (rid, announced_at) VALUES (?, ?)`, rid.String(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("node: announce %s: %w", rid, err)
	}
	return nil
}

// Announcements returns how many times rid has been announced.
func (s *Store) Announcements(ctx context.Context, rid models.RepoID) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM announcements WHERE rid = ?`, rid.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("node: announcements: %w", err)
	}
	return n, nil
}
