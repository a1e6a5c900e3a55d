// Package sql is the durable chain store, backed by sqlite for single-node
// deployments and postgres for shared ones.
package sql

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/stores/chain"
	"github.com/chanhsu001/ckb/ulogger"
)

type engine string

const (
	enginePostgres     engine = "postgres"
	engineSqlite       engine = "sqlite"
	engineSqliteMemory engine = "sqlitememory"

	tipKey = "tip_hash"
)

func init() {
	for _, scheme := range []string{"postgres", "sqlite", "sqlitememory"} {
		chain.Register(scheme, func(ctx context.Context, logger ulogger.Logger, storeURL *url.URL) (chain.Store, error) {
			return New(ctx, logger, storeURL)
		})
	}
}

type Store struct {
	db     *sql.DB
	engine engine
	logger ulogger.Logger
}

var _ chain.Store = (*Store)(nil)

func New(ctx context.Context, logger ulogger.Logger, storeURL *url.URL) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	eng := engine(storeURL.Scheme)

	switch eng {
	case enginePostgres:
		db, err = sql.Open("postgres", storeURL.String())
	case engineSqlite:
		db, err = sql.Open("sqlite", storeURL.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case engineSqliteMemory:
		db, err = sql.Open("sqlite", "file::memory:?cache=shared")
	default:
		return nil, errors.NewConfigurationError("unknown database engine: %s", storeURL.Scheme)
	}

	if err != nil {
		return nil, errors.NewStorageError("failed to open database", err)
	}

	s := &Store{
		db:     db,
		engine: eng,
		logger: logger,
	}

	if err = s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	var stmts []string

	if s.engine == enginePostgres {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS blocks (
				hash        BYTEA PRIMARY KEY,
				parent_hash BYTEA NOT NULL,
				height      BIGINT NOT NULL,
				header      BYTEA NOT NULL,
				body        BYTEA
			)`,
			`CREATE INDEX IF NOT EXISTS idx_blocks_height ON blocks (height)`,
			`CREATE TABLE IF NOT EXISTS chain_state (
				key   TEXT PRIMARY KEY,
				value BYTEA NOT NULL
			)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS blocks (
				hash        BLOB PRIMARY KEY,
				parent_hash BLOB NOT NULL,
				height      INTEGER NOT NULL,
				header      BLOB NOT NULL,
				body        BLOB
			)`,
			`CREATE INDEX IF NOT EXISTS idx_blocks_height ON blocks (height)`,
			`CREATE TABLE IF NOT EXISTS chain_state (
				key   TEXT PRIMARY KEY,
				value BLOB NOT NULL
			)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.NewStorageError("failed to create schema", err)
		}
	}

	return nil
}

func (s *Store) GetHeader(ctx context.Context, blockHash *chainhash.Hash) (*model.BlockHeader, error) {
	var headerBytes []byte

	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT header FROM blocks WHERE hash = ?`), blockHash[:],
	).Scan(&headerBytes)

	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("header %s not found", blockHash)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read header", err)
	}

	return model.NewBlockHeaderFromBytes(headerBytes)
}

func (s *Store) GetBlock(ctx context.Context, blockHash *chainhash.Hash) (*model.Block, error) {
	var body []byte

	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT body FROM blocks WHERE hash = ?`), blockHash[:],
	).Scan(&body)

	if err == sql.ErrNoRows || (err == nil && len(body) == 0) {
		return nil, errors.NewBlockNotFoundError("block %s not found", blockHash)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read block", err)
	}

	return model.NewBlockFromBytes(body)
}

func (s *Store) PutBlock(ctx context.Context, block *model.Block) error {
	return s.putBlockTx(ctx, s.db, block)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) putBlockTx(ctx context.Context, db execer, block *model.Block) error {
	var stmt string
	if s.engine == enginePostgres {
		stmt = `INSERT INTO blocks (hash, parent_hash, height, header, body)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (hash) DO UPDATE SET body = EXCLUDED.body`
	} else {
		stmt = `INSERT INTO blocks (hash, parent_hash, height, header, body)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (hash) DO UPDATE SET body = excluded.body`
	}

	_, err := db.ExecContext(ctx, stmt,
		block.Hash()[:],
		block.Header.ParentHash[:],
		int64(block.Height()),
		block.Header.Bytes(),
		block.Bytes(),
	)
	if err != nil {
		return errors.NewStorageError("failed to store block %s", block.Hash(), err)
	}

	return nil
}

func (s *Store) GetTip(ctx context.Context) (*model.BlockHeader, error) {
	var tipHash []byte

	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM chain_state WHERE key = ?`), tipKey,
	).Scan(&tipHash)

	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("chain tip not set")
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read tip", err)
	}

	hash, err := chainhash.NewHash(tipHash)
	if err != nil {
		return nil, errors.NewStorageError("corrupt tip hash", err)
	}

	return s.GetHeader(ctx, hash)
}

func (s *Store) BeginSwitch(ctx context.Context) (chain.SwitchBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewStorageError("failed to begin switch transaction", err)
	}

	return &switchBatch{store: s, ctx: ctx, tx: tx}, nil
}

func (s *Store) GetCellSetDiff(ctx context.Context, fromHeight, toHeight uint64) (*chain.CellSetDiff, error) {
	if fromHeight > toHeight {
		return nil, errors.NewInvalidArgumentError("empty cell set diff range %d..%d", fromHeight, toHeight)
	}

	tip, err := s.GetTip(ctx)
	if err != nil {
		return nil, err
	}
	if tip.Height < toHeight {
		return nil, errors.NewNotFoundError("cell set diff range %d..%d reaches past the tip", fromHeight, toHeight)
	}

	// The height index alone is ambiguous when forks are stored; walking the
	// parent links from the tip row keeps the result canonical.
	blocks := make([]*model.Block, 0, toHeight-fromHeight+1)

	hash := tip.Hash()
	height := tip.Height

	for {
		var parentBytes, body []byte

		err = s.db.QueryRowContext(ctx,
			s.rebind(`SELECT parent_hash, body FROM blocks WHERE hash = ?`), hash[:],
		).Scan(&parentBytes, &body)

		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("broken chain at height %d", height)
		}
		if err != nil {
			return nil, errors.NewStorageError("failed to walk chain for cell set diff", err)
		}

		if height <= toHeight {
			if len(body) == 0 {
				return nil, errors.NewNotFoundError("missing canonical body at height %d", height)
			}

			block, blockErr := model.NewBlockFromBytes(body)
			if blockErr != nil {
				return nil, errors.NewStorageError("corrupt block body at height %d", height, blockErr)
			}
			blocks = append(blocks, block)
		}

		if height == fromHeight || height == 0 {
			break
		}

		hash, err = chainhash.NewHash(parentBytes)
		if err != nil {
			return nil, errors.NewStorageError("corrupt parent hash at height %d", height, err)
		}
		height--
	}

	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}

	return chain.NewCellSetDiff(fromHeight, toHeight, blocks), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.engine != enginePostgres {
		return query
	}

	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$', byte('0'+n))
			continue
		}
		out = append(out, query[i])
	}

	return string(out)
}

// switchBatch wraps a database transaction; commit visibility is the
// database's, which gives the all-or-nothing guarantee the fork switch needs.
type switchBatch struct {
	store *Store
	ctx   context.Context
	tx    *sql.Tx
	done  bool
}

func (b *switchBatch) Detach(_ *model.Block) error {
	// Detached blocks stay stored; they just stop being canonical when the
	// tip row changes.
	return nil
}

func (b *switchBatch) Attach(block *model.Block) error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}

	return b.store.putBlockTx(b.ctx, b.tx, block)
}

func (b *switchBatch) SetTip(header *model.BlockHeader) error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}

	var stmt string
	if b.store.engine == enginePostgres {
		stmt = `INSERT INTO chain_state (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	} else {
		stmt = `INSERT INTO chain_state (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	}

	if _, err := b.tx.ExecContext(b.ctx, stmt, tipKey, header.Hash()[:]); err != nil {
		return errors.NewStorageError("failed to set tip", err)
	}

	return nil
}

func (b *switchBatch) Commit() error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}
	b.done = true

	if err := b.tx.Commit(); err != nil {
		return errors.NewStorageError("failed to commit switch", err)
	}

	return nil
}

func (b *switchBatch) Abort() error {
	if b.done {
		return nil
	}
	b.done = true

	if err := b.tx.Rollback(); err != nil {
		return errors.NewStorageError("failed to abort switch", err)
	}

	return nil
}
