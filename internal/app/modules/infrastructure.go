package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/capital"
	"goldclear.io/clearing/internal/config"
	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/governance/audit"
	"goldclear.io/clearing/internal/infrastructure"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/pkg/worker"
	"goldclear.io/clearing/internal/refdata"
	"goldclear.io/clearing/internal/repository/postgres"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients // nil in memory mode
	Pools       *worker.Pools
	Pool        *pgxpool.Pool
	RiverClient *river.Client[pgx.Tx]
	Audit       *audit.Logger
	Events      *domain.EventDispatcher
	RefData     refdata.Store
	Capital     capital.Provider
}

// Memory reports whether the process runs without PostgreSQL.
func (i *Infrastructure) Memory() bool { return i.Pool == nil }

// NewInfrastructure initializes DB/pools and shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:    cfg.Worker.GeneralPoolSize,
		SettlementPoolSize: cfg.Worker.SettlementPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	infra := &Infrastructure{
		Config: cfg,
		Pools:  pools,
		Events: domain.NewEventDispatcher(),
	}
	if cfg.Database.Memory {
		err = infra.initMemory(ctx)
	} else {
		err = infra.initPostgres(ctx)
	}
	if err != nil {
		infra.Close()
		return nil, err
	}

	infra.Events.RegisterAll(infra.Audit.LifecycleHandler())
	return infra, nil
}

func (i *Infrastructure) initPostgres(ctx context.Context) error {
	cfg := i.Config
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	i.DB = db
	i.Pool = db.Pool

	// Dev-mode: auto-create clearing tables + River queue tables.
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	i.Audit = audit.NewLogger(postgres.NewAuditStore(db.Pool))
	i.RefData = postgres.NewRefDataStore(db.Pool)

	var source capital.Provider
	switch cfg.Capital.Source {
	case "static":
		source = staticCapital(cfg.Capital)
	default:
		source = postgres.NewCapitalStore(db.Pool)
	}
	i.Capital = capital.NewFreshProvider(source, cfg.Capital.MaxAge, cfg.Capital.FetchTimeout)
	return nil
}

func (i *Infrastructure) initMemory(ctx context.Context) error {
	cfg := i.Config
	logger.Warn("Running with in-memory stores; state is lost on restart")

	refs := refdata.NewMemoryStore()
	static := staticCapital(cfg.Capital)
	if path := cfg.Database.SeedFixture; path != "" {
		fixture, err := refdata.LoadFixture(path)
		if err != nil {
			return err
		}
		if err := fixture.Apply(ctx, refs); err != nil {
			return err
		}
		if fixture.Capital != nil {
			base, exposure, hardstop, err := fixture.Capital.Amounts()
			if err != nil {
				return err
			}
			static.Set(base, exposure, hardstop)
		}
		logger.Info("Reference data fixture loaded",
			zap.String("path", path),
			zap.Int("counterparties", len(fixture.Counterparties)),
			zap.Int("corridors", len(fixture.Corridors)),
		)
	}

	i.Audit = audit.NewLogger(audit.NewMemoryStore())
	i.RefData = refs
	i.Capital = capital.NewFreshProvider(static, cfg.Capital.MaxAge, cfg.Capital.FetchTimeout)
	return nil
}

func staticCapital(c config.CapitalConfig) *capital.StaticProvider {
	return capital.NewStaticProvider(
		decimal.NewFromFloat(c.StaticBase),
		decimal.NewFromFloat(c.StaticGross),
		decimal.NewFromFloat(c.StaticLimit),
	)
}

// InitRiver initializes the River client on top of a prepared worker
// registry. In memory mode there is no queue and this is a no-op.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		logger.Info("River disabled in memory mode")
		return nil
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
