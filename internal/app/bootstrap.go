// Package app is the composition root. Bootstrap only orchestrates: every
// dependency is built by a module in internal/app/modules.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"goldclear.io/clearing/internal/api/handlers"
	"goldclear.io/clearing/internal/api/middleware"
	"goldclear.io/clearing/internal/app/modules"
	"goldclear.io/clearing/internal/config"
	"goldclear.io/clearing/internal/infrastructure"
	"goldclear.io/clearing/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	complianceModule := modules.NewComplianceModule(infra)
	settlementModule, err := modules.NewSettlementModule(infra, complianceModule)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init settlement module: %w", err)
	}
	baseModules := []modules.Module{complianceModule, settlementModule}

	workers := river.NewWorkers()
	var periodic []*river.PeriodicJob
	for _, mod := range baseModules {
		mod.RegisterWorkers(workers)
		if p, ok := mod.(modules.PeriodicJobProvider); ok {
			periodic = append(periodic, p.PeriodicJobs()...)
		}
	}
	if err := infra.InitRiver(workers, periodic); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	// Corridor admin enqueues on River, so it is built once the client exists.
	allModules := append(baseModules, modules.NewCorridorModule(infra, settlementModule))
	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     cfg.Security.JWTIssuer,
		ExpiresIn:  cfg.Security.TokenLifetime,
	}

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, jwtCfg, complianceModule.Service()),
		DB:      infra.DB,
		Pools:   infra.Pools,
		Modules: allModules,
	}, nil
}
