// cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/agent"
	"github.com/xkilldash9x/cua-cli/internal/browser"
	"github.com/xkilldash9x/cua-cli/internal/config"
	"github.com/xkilldash9x/cua-cli/internal/reasoner"
	"github.com/xkilldash9x/cua-cli/internal/snapshot"
)

var _ agent.Computer = (*browser.Session)(nil)

// components holds the services shared by every run of a command.
type components struct {
	Reasoner reasoner.Reasoner
	Store    snapshot.Store
	DBPool   *pgxpool.Pool
	SQLite   *snapshot.SQLite

	cfg    *config.Config
	logger *zap.Logger
}

// openComputer opens the browser session behind each run. Swapped in tests.
var openComputer = func(ctx context.Context, cfg browser.Config, logger *zap.Logger) (agent.Computer, error) {
	return browser.Open(ctx, cfg, logger)
}

// initializeComponents handles dependency injection for run and batch.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	limiter := reasoner.NewLimiter(cfg.Reasoner().MaxConcurrency, cfg.Reasoner().RequestsPerSecond)
	r, err := reasoner.New(cfg.Reasoner(), limiter, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize reasoner: %w", err)
	}
	c.Reasoner = r

	store, err := c.newStore(ctx)
	if err != nil {
		return c, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	c.Store = store
	return c, nil
}

func (c *components) newStore(ctx context.Context) (snapshot.Store, error) {
	sc := c.cfg.Snapshot()
	switch sc.Backend {
	case "noop":
		return snapshot.Noop{}, nil
	case "disk":
		return snapshot.NewDisk(sc.Dir, c.logger)
	case "sqlite":
		db, err := snapshot.NewSQLite(ctx, sc.SQLitePath, c.logger)
		if err != nil {
			return nil, err
		}
		c.SQLite = db
		return db, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.DBPool = pool
		return snapshot.NewPostgres(ctx, pool, c.logger)
	}
	return nil, fmt.Errorf("unknown snapshot backend %q", sc.Backend)
}

// newAgent opens a fresh browser session and builds an agent that owns it.
// It satisfies agent.Factory.
func (c *components) newAgent(ctx context.Context, _ agent.Goal) (*agent.Agent, error) {
	computer, err := openComputer(ctx, browser.FromAppConfig(c.cfg.Browser()), c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}
	var opts []agent.Option
	if l, ok := c.Store.(snapshot.RunLog); ok && c.cfg.Snapshot().RunLog {
		opts = append(opts, agent.WithRunLog(l))
	}
	a, err := agent.New(c.Reasoner, computer, c.Store, agent.ConfigFromApp(c.cfg.Agent()), c.logger, opts...)
	if err != nil {
		if cerr := computer.Close(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.Warn("Failed to close browser session", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

// Shutdown releases shared resources.
func (c *components) Shutdown() {
	if c.DBPool != nil {
		c.DBPool.Close()
	}
	if c.SQLite != nil {
		if err := c.SQLite.Close(); err != nil {
			c.logger.Warn("Failed to close snapshot database", zap.Error(err))
		}
	}
}
