// cmd/optoken/main.go: mints an operator token for local terminals.
// Uso: go run ./cmd/optoken -venue <uuid> -operator op-1 -role cashier
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"comandapos/internal/config"
	"comandapos/internal/middleware"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	venue := flag.String("venue", "", "venue id (uuid)")
	operator := flag.String("operator", "op-demo", "operator id")
	role := flag.String("role", middleware.RoleCashier, "cashier | supervisor | admin")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}
	venueID, err := uuid.Parse(*venue)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -venue")
	}
	switch *role {
	case middleware.RoleCashier, middleware.RoleSupervisor, middleware.RoleAdmin:
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	ttl := time.Duration(cfg.JWTExpirationHours) * time.Hour
	token, err := middleware.IssueToken(cfg.JWTSecret, *operator, venueID, *role, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to sign token")
	}
	fmt.Println(token)
}
