// cmd/seedcatalog/main.go: loads a demo catalog with opening stock and tabs.
// Uso: go run ./cmd/seedcatalog -venue <uuid>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"comandapos/internal/config"
	"comandapos/internal/dto"
	"comandapos/internal/infra"
	"comandapos/internal/model"
	"comandapos/internal/repository"
	"comandapos/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type seedProduct struct {
	name     string
	category string
	barcode  string
	price    string
	stock    int
}

var catalog = []seedProduct{
	{"Draft Lager 500ml", "drinks", "7790000000011", "12.00", 200},
	{"IPA Bottle", "drinks", "7790000000028", "18.50", 120},
	{"Soda Can", "drinks", "7790000000035", "6.00", 300},
	{"Water 500ml", "drinks", "7790000000042", "4.00", 300},
	{"Cheeseburger", "food", "7790000000059", "25.00", 80},
	{"Fries", "food", "7790000000066", "10.00", 150},
	{"Festival Cup", "merch", "7790000000073", "5.00", 500},
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	venue := flag.String("venue", "", "venue id (uuid); a new one is generated when empty")
	tabs := flag.Int("tabs", 3, "demo tabs to open with a 50.00 balance")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	venueID := uuid.New()
	if *venue != "" {
		if venueID, err = uuid.Parse(*venue); err != nil {
			log.Fatal().Err(err).Msg("invalid -venue")
		}
	}

	if err := infra.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	ctx := context.Background()
	products := repository.NewProductRepository(db)
	retry := service.DefaultRetryPolicy()
	stock := service.NewStockLedger(repository.NewStockRepository(db), products, nil, nil, retry)
	tabLedger := service.NewTabLedger(repository.NewTabRepository(db), nil, nil, retry)

	// Opening stock goes through the ledger so replay starts from a movement.
	for _, sp := range catalog {
		barcode := sp.barcode
		p := &model.Product{
			VenueID:   venueID,
			Name:      sp.name,
			Category:  sp.category,
			Barcode:   &barcode,
			UnitPrice: decimal.RequireFromString(sp.price),
			Active:    true,
		}
		if err := products.Create(ctx, p); err != nil {
			log.Fatal().Err(err).Str("product", sp.name).Msg("product insert failed")
		}
		note := "opening stock"
		if _, err := stock.ManualAdjustment(ctx, venueID, p.ID, "seed", dto.StockAdjustmentRequest{
			Delta: sp.stock, Reason: "receiving", Note: &note,
		}); err != nil {
			log.Fatal().Err(err).Str("product", sp.name).Msg("opening stock failed")
		}
		fmt.Printf("product %s  %-20s stock %d\n", p.ID, sp.name, sp.stock)
	}

	for i := 1; i <= *tabs; i++ {
		tab, err := tabLedger.TopUp(ctx, venueID, dto.TopUpRequest{
			Number: 1000 + i, Amount: decimal.NewFromInt(50),
		})
		if err != nil {
			log.Fatal().Err(err).Int("tab", i).Msg("tab open failed")
		}
		fmt.Printf("tab     %s  #%d balance %s\n", tab.ID, tab.Number, tab.Balance.StringFixed(2))
	}
	fmt.Printf("venue   %s\n", venueID)
}
