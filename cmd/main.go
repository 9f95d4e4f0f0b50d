package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/spf13/pflag"

	"tripBack/internal/config"
	"tripBack/internal/taxi"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	configPath := pflag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	addr := pflag.String("addr", "", "HTTP network address, overrides server.address")
	issueToken := pflag.String("issue-token", "", "print a development bearer token for this actor id and exit")
	tokenTTL := pflag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by --issue-token")
	pflag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		errorLog.Fatal(err)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	taxiCfg, err := taxi.LoadTaxiConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := initializeApp(ctx, cfg, taxiCfg, errorLog, infoLog)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer app.close()

	if *issueToken != "" {
		if app.jwt == nil {
			errorLog.Fatal("--issue-token needs auth.jwt_secret; firebase auth issues its own tokens")
		}
		token, err := app.jwt.NewToken(*issueToken, *tokenTTL)
		if err != nil {
			errorLog.Fatal(err)
		}
		fmt.Println(token)
		return
	}

	handler, err := app.routes()
	if err != nil {
		errorLog.Fatal(err)
	}
	if err := taxi.StartTaxiWorkers(ctx, app.taxiDeps); err != nil {
		errorLog.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		ErrorLog:     errorLog,
		Handler:      c.Handler(handler),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		infoLog.Printf("Starting server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Fatal(err)
		}
	}()

	<-ctx.Done()
	infoLog.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errorLog.Printf("shutdown: %v", err)
	}
}
