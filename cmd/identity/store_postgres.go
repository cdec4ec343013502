package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Ownership model:
// - The pgx pool is owned by the caller; Close() does NOT close it.
// - Schema/table identifiers are validated and quoted with pgx.Identifier.
//
// Concurrency model:
//   - MarkPresent / ClearPresence are single conditional UPDATEs, so concurrent
//     heartbeats and disconnects resolve per row without explicit locks.
type PostgresStore struct {
	pgQuerier
	pool *pgxpool.Pool
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var _ Store = (*PostgresStore)(nil)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultSchema is used when no WithSchema option is given.
const DefaultSchema = "pairhub"

// WithSchema sets the Postgres schema used by the store (default "pairhub").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pgQuerier: pgQuerier{db: pool, schema: DefaultSchema},
		pool:      pool,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// RunInTx runs fn inside a READ COMMITTED transaction and commits if fn returns nil.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	if s == nil || s.pool == nil {
		return errors.New("identity: nil store")
	}
	if fn == nil {
		return errors.New("identity: nil tx func")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(pgQuerier{db: tx, schema: s.schema}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQuerier struct {
	db     dbtx
	schema string
}

func (q pgQuerier) table(name string) string { return pgIdent(q.schema, name) }

// GetUser implements Querier.
func (q pgQuerier) GetUser(ctx context.Context, uid string) (User, error) {
	const op = "identity.GetUser"

	var u User
	err := q.db.QueryRow(ctx,
		`SELECT uid, is_moderator, is_admin, last_logged_in, COALESCE(character_identification, '')
		   FROM `+q.table("users")+`
		  WHERE uid = $1`,
		uid,
	).Scan(&u.UID, &u.IsModerator, &u.IsAdmin, &u.LastLoggedIn, &u.CharacterIdentification)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// IsBanned implements Querier.
func (q pgQuerier) IsBanned(ctx context.Context, characterIdentification string) (bool, error) {
	var banned bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+q.table("banned_users")+` WHERE character_identification = $1)`,
		characterIdentification,
	).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("identity.IsBanned: %w", err)
	}
	return banned, nil
}

// MarkPresent implements Querier.
func (q pgQuerier) MarkPresent(ctx context.Context, uid, characterIdentification string, now time.Time) (bool, error) {
	const op = "identity.MarkPresent"
	if characterIdentification == "" {
		return false, invalidInput(op, "empty character identification")
	}

	tag, err := q.db.Exec(ctx,
		`UPDATE `+q.table("users")+`
		    SET character_identification = $2,
		        last_logged_in = $3
		  WHERE uid = $1
		    AND COALESCE(character_identification, '') = ''`,
		uid, characterIdentification, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearPresence implements Querier.
func (q pgQuerier) ClearPresence(ctx context.Context, uid, characterIdentification string) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE `+q.table("users")+`
		    SET character_identification = NULL
		  WHERE uid = $1
		    AND character_identification = $2`,
		uid, characterIdentification,
	)
	if err != nil {
		return false, fmt.Errorf("identity.ClearPresence: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountPresent implements Querier.
func (q pgQuerier) CountPresent(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+q.table("users")+` WHERE COALESCE(character_identification, '') <> ''`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("identity.CountPresent: %w", err)
	}
	return n, nil
}

// OutgoingPairs implements Querier.
func (q pgQuerier) OutgoingPairs(ctx context.Context, owner string) ([]OutgoingPair, error) {
	const op = "identity.OutgoingPairs"

	rows, err := q.db.Query(ctx,
		`SELECT p.user_uid, p.other_user_uid, p.is_paused, p.allow_receiving_messages,
		        COALESCE(o.character_identification, '')
		   FROM `+q.table("client_pairs")+` p
		   JOIN `+q.table("users")+` o ON o.uid = p.other_user_uid
		  WHERE p.user_uid = $1
		    AND NOT p.is_paused
		  ORDER BY p.other_user_uid ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]OutgoingPair, 0)
	for rows.Next() {
		var p OutgoingPair
		if err := rows.Scan(&p.Owner, &p.Other, &p.IsPaused, &p.AllowReceivingMessages, &p.OtherCharacterIdentification); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ReciprocatingOwners implements Querier.
func (q pgQuerier) ReciprocatingOwners(ctx context.Context, owners []string, other string) ([]string, error) {
	const op = "identity.ReciprocatingOwners"
	if len(owners) == 0 {
		return []string{}, nil
	}

	rows, err := q.db.Query(ctx,
		`SELECT user_uid
		   FROM `+q.table("client_pairs")+`
		  WHERE user_uid = ANY($1)
		    AND other_user_uid = $2
		    AND NOT is_paused
		  ORDER BY user_uid ASC`,
		owners, other,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// DeleteUnfinishedUploads implements Querier.
func (q pgQuerier) DeleteUnfinishedUploads(ctx context.Context, uploader string) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM `+q.table("file_caches")+` WHERE uploader_uid = $1 AND NOT uploaded`,
		uploader,
	)
	if err != nil {
		return 0, fmt.Errorf("identity.DeleteUnfinishedUploads: %w", err)
	}
	return tag.RowsAffected(), nil
}

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
