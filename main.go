package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atendo/internal/api"
	"atendo/internal/auth"
	"atendo/internal/commands"
	"atendo/internal/config"
	"atendo/internal/http"
	"atendo/internal/locks"
	"atendo/internal/presence"
	"atendo/internal/relay"
	"atendo/internal/routing"
	"atendo/internal/storage"
	"atendo/internal/transfer"
	"atendo/internal/ws"

	"golang.org/x/sync/errgroup"
)

type cliOptions struct {
	addUser    string
	password   string
	role       string
	sector     string
	addSector  string
	sectorName string
}

func run(ctx context.Context, opts cliOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if opts.addSector != "" {
		return commands.AddSector(ctx, cfg, opts.addSector, opts.sectorName)
	}
	if opts.addUser != "" {
		return commands.AddUser(ctx, cfg, commands.AddUserOptions{
			Name:     opts.addUser,
			Password: opts.password,
			Role:     opts.role,
			SectorID: opts.sector,
		})
	}

	store, err := storage.NewBboltStorage(ctx, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, store)

	registry := presence.NewRegistry(nil)
	conversationLocks := locks.NewKeyedMutex()
	router := routing.NewRouter(store, registry, routing.FewestActive{}, conversationLocks, nil)
	messageRelay := relay.NewRelay(store, registry, conversationLocks, nil)
	coordinator := transfer.NewCoordinator(store, registry, router, conversationLocks, nil)

	wsServer := ws.NewServer(authService, store, registry, router, messageRelay, coordinator)
	apiHandlers := api.New(authService, store, registry)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Create a user with this login name and exit")
	password := flag.String("password", "", "Password for -add-user")
	role := flag.String("role", "client", "Role for -add-user (client, agent, supervisor, admin)")
	sector := flag.String("sector", "", "Sector affiliation for -add-user")
	addSector := flag.String("add-sector", "", "Create a sector with this code and exit")
	sectorName := flag.String("sector-name", "", "Display name for -add-sector")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := cliOptions{
		addUser:    *addUser,
		password:   *password,
		role:       *role,
		sector:     *sector,
		addSector:  *addSector,
		sectorName: *sectorName,
	}
	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
