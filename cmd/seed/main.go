// Package main seeds clearing reference data and prints development tokens.
//
// Seeding is idempotent: counterparties and corridors are upserted, and the
// capital figures are recorded as a new snapshot.
//
//	seed -fixture config/seed.yaml [-migrate] [-tokens]
//
// Import Path: goldclear.io/clearing/cmd/seed
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/api/middleware"
	"goldclear.io/clearing/internal/config"
	"goldclear.io/clearing/internal/infrastructure"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/refdata"
	"goldclear.io/clearing/internal/repository/postgres"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fixturePath := fs.String("fixture", "config/seed.yaml", "reference data fixture (YAML)")
	migrate := fs.Bool("migrate", false, "apply the clearing and River schema first")
	tokens := fs.Bool("tokens", false, "print a development token per built-in principal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	fixture, err := refdata.LoadFixture(*fixturePath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if *migrate {
		if err := db.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	logger.Info("Starting reference data seeding...", zap.String("fixture", *fixturePath))

	if err := fixture.Apply(ctx, postgres.NewRefDataStore(db.Pool)); err != nil {
		return err
	}
	if fixture.Capital != nil {
		base, exposure, hardstop, err := fixture.Capital.Amounts()
		if err != nil {
			return err
		}
		if err := postgres.NewCapitalStore(db.Pool).Record(ctx, base, exposure, hardstop, time.Now()); err != nil {
			return err
		}
	}

	logger.Info("Reference data seeding completed",
		zap.Int("counterparties", len(fixture.Counterparties)),
		zap.Int("corridors", len(fixture.Corridors)),
		zap.Bool("capital", fixture.Capital != nil),
	)

	if *tokens {
		return printTokens(out, middleware.JWTConfig{
			SigningKey: []byte(cfg.Security.JWTSigningKey),
			Issuer:     cfg.Security.JWTIssuer,
			ExpiresIn:  cfg.Security.TokenLifetime,
		})
	}
	return nil
}

// devPrincipal is a built-in development identity.
type devPrincipal struct {
	UserID string
	OrgID  string
	Roles  []string
}

// devPrincipals covers every operator role so the full lifecycle can be
// driven by hand.
func devPrincipals() []devPrincipal {
	return []devPrincipal{
		{UserID: "dev-trader", OrgID: "org-buyer", Roles: []string{"trader"}},
		{UserID: "dev-desk-head", OrgID: "org-desk", Roles: []string{"desk_head"}},
		{UserID: "dev-credit", OrgID: "org-desk", Roles: []string{"credit_committee"}},
		{UserID: "dev-board", OrgID: "org-desk", Roles: []string{"board"}},
		{UserID: "dev-ops", OrgID: "org-ops", Roles: []string{"ops"}},
		{UserID: "dev-ops-admin", OrgID: "org-ops", Roles: []string{"ops_admin"}},
		{UserID: "dev-treasury", OrgID: "org-ops", Roles: []string{"treasury"}},
		{UserID: "dev-vault", OrgID: "org-ops", Roles: []string{"vault_ops"}},
		{UserID: "dev-compliance", OrgID: "org-ops", Roles: []string{"compliance"}},
		{UserID: "dev-settlement", OrgID: "org-ops", Roles: []string{"settlement_ops"}},
		{UserID: "dev-provider", OrgID: "org-kyc", Roles: []string{"system"}},
	}
}

func printTokens(out io.Writer, cfg middleware.JWTConfig) error {
	for _, p := range devPrincipals() {
		token, expiresAt, err := middleware.GenerateToken(cfg, p.UserID, p.OrgID, p.Roles)
		if err != nil {
			return fmt.Errorf("token for %s: %w", p.UserID, err)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", p.UserID, p.Roles[0], expiresAt.UTC().Format(time.RFC3339), token)
	}
	return nil
}
