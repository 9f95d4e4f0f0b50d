package taxi

import (
	"context"
	"fmt"

	"github.com/bmizerany/pat"

	"tripBack/internal/taxi/fsm"
	taxihttp "tripBack/internal/taxi/http"
	"tripBack/internal/taxi/lifecycle"
	"tripBack/internal/taxi/notify"
	"tripBack/internal/taxi/rates"
	"tripBack/internal/taxi/receipts"
	"tripBack/internal/taxi/repo"
	"tripBack/internal/taxi/session"
	"tripBack/internal/taxi/timeout"
	"tripBack/internal/taxi/ws"
)

// notifier is what both the sessions and the action API push through.
type notifier interface {
	session.Notifier
	taxihttp.Notifier
}

type moduleState struct {
	store     repo.Store
	service   *lifecycle.Service
	priceFeed *rates.PriceFeed
	fleetRate *rates.FleetRate
	sweeper   *timeout.Sweeper
	archiver  *receipts.S3Archiver
	notifier  notifier
	hub       *ws.Hub
	server    *taxihttp.Server
}

func openStore(deps *TaxiDeps) (repo.Store, error) {
	switch {
	case deps.Firestore != nil:
		deps.Logger.Infof("trip store: firestore")
		return repo.NewFirestoreStore(deps.Firestore, deps.Clock), nil
	case deps.DB != nil:
		store := repo.NewSQLStore(deps.DB, deps.Dialect, deps.RDB, deps.Clock)
		if deps.Migrate {
			if err := store.Migrate(); err != nil {
				return nil, err
			}
		}
		deps.Logger.Infof("trip store: %s", deps.Dialect)
		return store, nil
	default:
		deps.Logger.Infof("trip store: memory (single process only)")
		return repo.NewMemoryStore(deps.Clock), nil
	}
}

func ensureModule(deps *TaxiDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}

	store, err := openStore(deps)
	if err != nil {
		return nil, fmt.Errorf("taxi store: %w", err)
	}

	priceFeed := rates.NewPriceFeed(rates.FeedConfig{
		Endpoint: deps.Config.PriceEndpoint,
		TokenID:  deps.Config.TokenID,
		Currency: deps.Config.Currency,
		Interval: deps.Config.PriceInterval,
	}, deps.HTTPClient, deps.RDB, deps.Clock, deps.Logger)
	fleetRate := rates.NewFleetRate(store, deps.Config.FleetSample, deps.Config.FleetInterval, deps.Clock, deps.Logger)

	service := lifecycle.NewService(lifecycle.Config{
		DefaultRate:  deps.Config.DefaultRate,
		HistoryLimit: deps.Config.HistoryLimit,
	}, store, priceFeed, fleetRate, deps.Clock, deps.Logger)

	var n notifier = notify.LogNotifier{Logger: deps.Logger}
	if deps.Messaging != nil {
		n = notify.NewFCMNotifier(deps.Messaging, deps.Logger)
	}

	sessionDeps := session.Deps{
		Service:  service,
		Store:    store,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
		Notifier: n,
	}
	cfg := deps.Config
	hub := ws.NewHub(deps.Verifier, func(role fsm.Role, actorID string) *session.Session {
		return session.New(cfg, sessionDeps, role, actorID)
	}, deps.Logger)

	archiver := receipts.NewS3Archiver(deps.S3, deps.S3Bucket, deps.Logger)
	service.OnSettled(hub)
	service.OnSettled(archiver)

	deps.module = &moduleState{
		store:     store,
		service:   service,
		priceFeed: priceFeed,
		fleetRate: fleetRate,
		sweeper:   timeout.NewSweeper(store, service, deps.Clock, deps.Logger, cfg),
		archiver:  archiver,
		notifier:  n,
		hub:       hub,
		server:    taxihttp.NewServer(deps.Logger, service, hub, n, deps.Verifier),
	}
	return deps.module, nil
}

// RegisterTaxiRoutes wires HTTP and WebSocket routes into the provided mux.
func RegisterTaxiRoutes(mux *pat.PatternServeMux, deps *TaxiDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.RegisterRoutes(mux)
	return nil
}

// StartTaxiWorkers launches the price feed, the fleet rate refresher and
// the pending trip sweeper. They stop with ctx.
func StartTaxiWorkers(ctx context.Context, deps *TaxiDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go module.priceFeed.Run(ctx)
	go module.fleetRate.Run(ctx)
	go module.sweeper.Run(ctx)
	go func() {
		<-ctx.Done()
		module.hub.Close()
	}()
	return nil
}
