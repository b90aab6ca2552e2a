// Package pg implements stateprovider.Provider against a live Postgres
// database: bookkeeping (the last durably-applied LSN, epoch history) lives
// in a small tracking table via pgx/pgxpool, while GetCopyState enumerates
// the database's own logical replication stream via pglogrepl — the
// database being replicated is the copy protocol's real producer, rather
// than a synthetic operation log.
package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Provider is a reference stateprovider.Provider backed by Postgres. It
// owns a bookkeeping pool (progress/epoch tables) and the replication slot
// parameters GetCopyState streams from.
type Provider struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	table   string // bookkeeping table prefix, namespaced per replicated service

	replURL     string // connection string with replication=database set
	slotName    string
	publication string
}

// Config tunes the provider's bookkeeping table prefix and logical
// replication parameters.
type Config struct {
	// Table is the bookkeeping table name prefix, defaulting to
	// "replication_state".
	Table string
	// ReplicationURL is the connection string used for the logical
	// replication connection GetCopyState opens; replication=database is
	// set on it automatically. Defaults to the bookkeeping URL.
	ReplicationURL string
	// SlotName is the logical replication slot GetCopyState streams from,
	// defaulting to "replicator_copy".
	SlotName string
	// Publication is the publication GetCopyState subscribes to, defaulting
	// to "replicator_pub".
	Publication string
}

func (c Config) withDefaults(bookkeepingURL string) Config {
	if c.Table == "" {
		c.Table = "replication_state"
	}
	if c.ReplicationURL == "" {
		c.ReplicationURL = bookkeepingURL
	}
	if c.SlotName == "" {
		c.SlotName = "replicator_copy"
	}
	if c.Publication == "" {
		c.Publication = "replicator_pub"
	}
	return c
}

// Open connects to url, runs the provider's bookkeeping migrations, and
// returns a ready Provider.
func Open(ctx context.Context, url string, cfg Config, logger zerolog.Logger) (*Provider, error) {
	cfg = cfg.withDefaults(url)

	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	pcfg.MaxConns = 10
	pcfg.MinConns = 2
	pcfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Provider{
		pool:        pool,
		logger:      logger.With().Str("component", "stateprovider-pg").Logger(),
		table:       cfg.Table,
		replURL:     cfg.ReplicationURL,
		slotName:    cfg.SlotName,
		publication: cfg.Publication,
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return p, nil
}

func (p *Provider) Close() {
	p.pool.Close()
}

func (p *Provider) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_migrations_%[1]s (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, p.table))
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		version := strings.TrimSuffix(name, ".sql")

		var exists bool
		err := p.pool.QueryRow(ctx,
			fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM schema_migrations_%s WHERE version = $1)", p.table),
			version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.ReplaceAll(string(sqlBytes), "{{table}}", p.table)

		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO schema_migrations_%s (version) VALUES ($1)", p.table), version,
		); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		p.logger.Info().Str("migration", name).Msg("applied migration")
	}
	return nil
}

// Advance records l as durably applied, called by the replicated service
// once it has applied an operation's effect in the same logical unit of
// work. Monotonic: a lower l than the stored watermark is a no-op.
func (p *Provider) Advance(ctx context.Context, l lsn.LSN) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s_progress (id, last_committed_lsn) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_committed_lsn = GREATEST(%[1]s_progress.last_committed_lsn, EXCLUDED.last_committed_lsn)
	`, p.table), int64(l))
	if err != nil {
		return fmt.Errorf("advance watermark to %s: %w", l, err)
	}
	return nil
}

func (p *Provider) GetLastCommittedSequenceNumber(ctx context.Context) (lsn.LSN, error) {
	var l *int64
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT last_committed_lsn FROM %s_progress WHERE id = 1", p.table),
	).Scan(&l)
	if errors.Is(err, pgx.ErrNoRows) {
		return lsn.Invalid, nil
	}
	if err != nil {
		return lsn.Invalid, fmt.Errorf("get last committed lsn: %w", err)
	}
	if l == nil {
		return lsn.Invalid, nil
	}
	return lsn.LSN(*l), nil
}

func (p *Provider) UpdateEpoch(ctx context.Context, e epoch.Epoch, previousEpochLastLSN lsn.LSN) error {
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s_epochs (data_loss_number, configuration_number, previous_epoch_last_lsn, recorded_at)
		             VALUES ($1, $2, $3, now())`, p.table),
		e.DataLossNumber, e.ConfigurationNumber, int64(previousEpochLastLSN),
	)
	if err != nil {
		return fmt.Errorf("update epoch to %s: %w", e, err)
	}
	return nil
}

// GetCopyContext has no replica-local context to hand back in this
// implementation: a building replica's only state is the target database
// itself, which the primary already knows how to replay into.
func (p *Provider) GetCopyContext(ctx context.Context) (stateprovider.OperationDataStream, error) {
	return nil, nil
}

// GetCopyState streams logical replication changes up to upToLSN over a
// dedicated pglogrepl connection. contextStream is ignored: this provider's
// copy protocol is a bounded WAL replay, not an incremental diff against
// replica-reported state.
func (p *Provider) GetCopyState(ctx context.Context, upToLSN lsn.LSN, contextStream stateprovider.OperationDataStream) (stateprovider.OperationDataStream, error) {
	return newWALCopyStream(ctx, p.replURL, p.slotName, p.publication, upToLSN, p.logger)
}

// OnDataLoss is a no-op: this provider cannot recover rows the database
// itself has lost, so it reports that it made no change and leaves
// data-loss handling to the reconfiguration that invoked it.
func (p *Provider) OnDataLoss(ctx context.Context) (bool, error) {
	return false, nil
}

// SupportsCopyUntilLatestLSN is true: GetCopyState streams WAL directly up
// to any LSN without a separate snapshot phase.
func (p *Provider) SupportsCopyUntilLatestLSN() bool {
	return true
}
