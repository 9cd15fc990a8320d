package modules

import (
	"goldclear.io/clearing/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Audit: infra.Audit,
	}
	// A nil *pgxpool.Pool must not become a non-nil Pinger.
	if infra.Pool != nil {
		deps.DB = infra.Pool
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		contributor, ok := mod.(ServerDepsContributor)
		if !ok {
			continue
		}
		contributor.ContributeServerDeps(&deps)
	}
	return deps
}
