package identity

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"pairhub/cmd/security/token"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PAIRHUB_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Presence_CompareAndSet(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)

	schema := mustMigratedSchema(t, pool)
	s := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustExec(t, pool, `INSERT INTO `+pgIdent(schema, "users")+` (uid) VALUES ('AAAA')`)

	now := time.Now().UTC().Truncate(time.Microsecond)
	ok, err := s.MarkPresent(ctx, "AAAA", "ci-1", now)
	if err != nil || !ok {
		t.Fatalf("MarkPresent first: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkPresent(ctx, "AAAA", "ci-2", now)
	if err != nil || ok {
		t.Fatalf("MarkPresent second: ok=%v err=%v", ok, err)
	}

	u, err := s.GetUser(ctx, "AAAA")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.CharacterIdentification != "ci-1" || u.LastLoggedIn == nil || !u.LastLoggedIn.Equal(now) {
		t.Fatalf("unexpected user: %+v", u)
	}

	n, err := s.CountPresent(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountPresent: n=%d err=%v", n, err)
	}

	ok, err = s.ClearPresence(ctx, "AAAA", "stale")
	if err != nil || ok {
		t.Fatalf("ClearPresence stale: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClearPresence(ctx, "AAAA", "ci-1")
	if err != nil || !ok {
		t.Fatalf("ClearPresence: ok=%v err=%v", ok, err)
	}

	if _, err := s.GetUser(ctx, "MISSING"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_Pairs_And_Uploads_InTx(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)

	schema := mustMigratedSchema(t, pool)
	s := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	pairs := pgIdent(schema, "client_pairs")
	files := pgIdent(schema, "file_caches")
	banned := pgIdent(schema, "banned_users")

	mustExec(t, pool, `INSERT INTO `+users+` (uid, character_identification) VALUES ('A', 'ci-a'), ('B', 'ci-b'), ('C', NULL)`)
	mustExec(t, pool, `INSERT INTO `+pairs+` (user_uid, other_user_uid, is_paused) VALUES
		('A', 'B', false), ('B', 'A', false), ('A', 'C', false), ('C', 'A', true)`)
	mustExec(t, pool, `INSERT INTO `+files+` (hash, uploader_uid, uploaded) VALUES
		('h1', 'A', false), ('h2', 'A', false), ('h3', 'A', true), ('h4', 'B', false)`)
	mustExec(t, pool, `INSERT INTO `+banned+` (character_identification) VALUES ('evil')`)

	out, err := s.OutgoingPairs(ctx, "A")
	if err != nil {
		t.Fatalf("OutgoingPairs: %v", err)
	}
	if len(out) != 2 || out[0].Other != "B" || out[0].OtherCharacterIdentification != "ci-b" || out[1].OtherCharacterIdentification != "" {
		t.Fatalf("unexpected outgoing: %+v", out)
	}

	owners, err := s.ReciprocatingOwners(ctx, []string{"B", "C"}, "A")
	if err != nil {
		t.Fatalf("ReciprocatingOwners: %v", err)
	}
	if len(owners) != 1 || owners[0] != "B" {
		t.Fatalf("owners=%v want=[B]", owners)
	}

	banned1, err := s.IsBanned(ctx, "evil")
	if err != nil || !banned1 {
		t.Fatalf("IsBanned(evil)=%v err=%v", banned1, err)
	}

	var reaped int64
	err = s.RunInTx(ctx, func(q Querier) error {
		n, err := q.DeleteUnfinishedUploads(ctx, "A")
		if err != nil {
			return err
		}
		reaped = n
		_, err = q.ClearPresence(ctx, "A", "ci-a")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if reaped != 2 {
		t.Fatalf("reaped=%d want=2", reaped)
	}

	var left int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+files).Scan(&left); err != nil {
		t.Fatalf("count files: %v", err)
	}
	if left != 2 {
		t.Fatalf("files left=%d want=2 (h3 uploaded, h4 other uploader)", left)
	}
}

func TestPostgresStore_SelfPairRejectedBySchema(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)

	schema := mustMigratedSchema(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mustExec(t, pool, `INSERT INTO `+pgIdent(schema, "users")+` (uid) VALUES ('A')`)
	_, err := pool.Exec(ctx, `INSERT INTO `+pgIdent(schema, "client_pairs")+` (user_uid, other_user_uid) VALUES ('A', 'A')`)
	if err == nil {
		t.Fatalf("expected check constraint violation")
	}
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PAIRHUB_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PAIRHUB_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func mustMigratedSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	suffix, err := token.Generate(8, "")
	if err != nil {
		t.Fatalf("generate schema suffix: %v", err)
	}
	schema := "pairhub_it_" + strings.ToLower(suffix)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return schema
}

func mustExec(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec: %v\n%s", err, sql)
	}
}
