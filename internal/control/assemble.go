package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/donor/memstore"
	"github.com/danmuck/soapctl/internal/donor/pgstore"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/danmuck/soapctl/internal/transfer"
	"github.com/rs/zerolog/log"
)

// Assemble builds the runtime graph for cfg: donor store, guarded bridge
// client, pool, orchestrator and endpoint. The returned func closes the store.
func Assemble(ctx context.Context, cfg ServiceConfig) (*Service, func() error, error) {
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	client := remote.NewGuard(remote.NewBridgeClient(cfg.BridgeAddr), cfg.Remote)
	orch := transfer.New(client, donor.NewPool(repo))
	return NewService(cfg, orch, client), closeRepo, nil
}

func openRepository(ctx context.Context, cfg ServiceConfig) (donor.Repository, func() error, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		log.Warn().Msg("database_url not set, donors are kept in memory")
		return memstore.New(), func() error { return nil }, nil
	}
	store, err := pgstore.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open donor store: %w", err)
	}
	if cfg.DatabaseMigrate {
		if err := store.Migrate(); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate donor store: %w", err)
		}
	}
	return store, store.Close, nil
}
