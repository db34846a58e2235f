// Package store persists items in a SQL database and gives them the
// time-to-live semantics the rest of the pipeline expects: an item whose ttl
// has passed is never read back, and is eventually deleted.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
)

type Driver string

const (
	Sqlite   Driver = "sqlite"
	Postgres Driver = "postgres"
)

const table = "items"

var columns = []string{"date", "hash", "ttl", "published", "title", "url", "feed", "feed_site"}

// Ensure Repo implements the store ports
var (
	_ digest.ItemRepo = Repo{}
	_ digest.Reaper   = Repo{}
)

// Repo is the item table.
type Repo struct {
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// Open connects to the database for the driver.
func Open(driver Driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case Sqlite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		dbx, err := sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("error opening database: %s", err)
		}
		// SQLite only supports one writer at a time, and an in-memory
		// database only exists on its one connection.
		dbx.SetMaxOpenConns(1)
		return dbx, nil
	case Postgres:
		dbx, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("error opening database: %s", err)
		}
		dbx.SetMaxOpenConns(10)
		dbx.SetConnMaxIdleTime(time.Hour)
		return dbx, nil
	}

	return nil, fmt.Errorf("unknown database driver %q", driver)
}

// New wraps an open database.
func New(dbx *sqlx.DB, driver Driver) Repo {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == Postgres {
		placeholder = sq.Dollar
	}

	return Repo{
		db:  dbx,
		sb:  sq.StatementBuilder.PlaceholderFormat(placeholder),
		now: time.Now,
	}
}

// PutItem upserts the item on (date, hash), replacing every other column.
func (r Repo) PutItem(ctx context.Context, item digest.Item) error {
	query, args, err := r.sb.Insert(table).
		Columns(columns...).
		Values(item.Date, item.Hash, item.TTL, item.Published, item.Title, item.URL, item.Feed, item.FeedSite).
		Suffix(`ON CONFLICT (date, hash) DO UPDATE SET
			ttl = excluded.ttl,
			published = excluded.published,
			title = excluded.title,
			url = excluded.url,
			feed = excluded.feed,
			feed_site = excluded.feed_site`).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return digesterrs.E(digesterrs.Op("put_item"), digesterrs.KindStore, err)
	}

	return nil
}

// ScanItems retrieves _all_ live items.
func (r Repo) ScanItems(ctx context.Context) ([]digest.Item, error) {
	query, args, err := r.sb.Select(columns...).
		From(table).
		Where(sq.Gt{"ttl": r.now().Unix()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	items := []digest.Item{}
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, digesterrs.E(digesterrs.Op("scan_items"), digesterrs.KindStore, err)
	}

	return items, nil
}

// Reap deletes expired items, returning how many went.
func (r Repo) Reap(ctx context.Context) (int64, error) {
	query, args, err := r.sb.Delete(table).
		Where(sq.LtOrEq{"ttl": r.now().Unix()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("error constructing sql: %s", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, digesterrs.E(digesterrs.Op("reap"), digesterrs.KindStore, err)
	}

	return res.RowsAffected()
}

// Ping checks the database is reachable.
func (r Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
