package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"integrations/internal/application/common"
	"integrations/pkg/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
)

const (
	defaultMigrationsDir = "resources/migrations"
	defaultMaxConns      = 10
	applicationName      = "integrations"
)

// DB - то, чем пользуются репозитории. Реализации обязаны подхватывать tx из ctx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close()
}

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, conf config.Postgres) (*Postgres, error) {
	poolCfg, err := poolConfig(conf)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pingWithRetry(ctx, pool, conf.ConnectAttempts); err != nil {
		pool.Close()
		return nil, err
	}

	if err := migrate(poolCfg, conf.MigrationsDir); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{Pool: pool}, nil
}

func poolConfig(conf config.Postgres) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(conf.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = defaultMaxConns
	if conf.MaxConnections > 0 {
		poolCfg.MaxConns = conf.MaxConnections
	}
	if conf.MinConnections > 0 && conf.MinConnections <= poolCfg.MaxConns {
		poolCfg.MinConns = conf.MinConnections
	}
	if conf.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = conf.MaxConnIdleTime
	}

	rp := poolCfg.ConnConfig.RuntimeParams
	if _, ok := rp["application_name"]; !ok {
		rp["application_name"] = applicationName
	}
	// зависший claim с SKIP LOCKED не должен держать соединение пула бесконечно
	if conf.StatementTimeout > 0 {
		rp["statement_timeout"] = strconv.FormatInt(conf.StatementTimeout.Milliseconds(), 10)
	}
	return poolCfg, nil
}

// pingWithRetry: при старте в compose база поднимается позже сервиса.
func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := common.SleepCtx(ctx, common.NextBackoffWithJitter(i)); serr != nil {
			return fmt.Errorf("ping: %w", serr)
		}
	}
	return fmt.Errorf("ping after %d attempts: %w", attempts, err)
}

// Миграции через database/sql на базе pgx stdlib.
func migrate(poolCfg *pgxpool.Config, dir string) error {
	if dir == "" {
		dir = defaultMigrationsDir
	}
	sqlDB := stdlib.OpenDB(*poolCfg.ConnConfig)
	defer sqlDB.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, dir); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// ===== Транзакции через context =====

type txKey struct{}

func InjectTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func ExtractTx(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier - общий набор методов pgx.Tx и *pgxpool.Pool
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) conn(ctx context.Context) querier {
	if tx := ExtractTx(ctx); tx != nil {
		return tx
	}
	return p.Pool
}

func (p *Postgres) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return p.conn(ctx).Exec(ctx, query, args...)
}

func (p *Postgres) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return p.conn(ctx).Query(ctx, query, args...)
}

func (p *Postgres) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return p.conn(ctx).QueryRow(ctx, query, args...)
}

// WithinTransaction выполняет fn в транзакции. Если tx уже в контексте,
// fn присоединяется к ней: outbox publisher пишет в unit of work вызывающего.
// Паника внутри fn откатывает транзакцию и пробрасывается дальше.
func (p *Postgres) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ExtractTx(ctx) != nil {
		return fn(ctx)
	}

	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()

	return fn(InjectTx(ctx, tx))
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}
