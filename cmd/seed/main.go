package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"coinledger/internal/database"
	"coinledger/internal/ledger"
	"coinledger/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func main() {
	godotenv.Load()
	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		log.Fatal("POSTGRES_URL is required")
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	logger := logrus.New()
	repo := database.New(db, logger)

	for _, c := range database.DefaultCatalogue() {
		if err := repo.EnsureCryptocurrency(ctx, c); err != nil {
			log.Fatalf("seed %s: %v", c.Symbol, err)
		}
	}
	fmt.Println("Catalogue seeded.")

	if os.Getenv("SEED_DEMO") == "" {
		return
	}

	// Demo data: one portfolio bought into yesterday, with yesterday's prices
	// recorded so the daily history has something to show.
	yesterdayTS := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour).Add(12 * time.Hour)
	prices := map[string]string{
		"bitcoin":  "64250.50",
		"ethereum": "3120.75",
		"solana":   "145.25",
	}
	for coin, p := range prices {
		if err := repo.UpsertPrice(ctx, coin, decimal.RequireFromString(p), yesterdayTS); err != nil {
			fmt.Printf("Warning: could not insert price for %s: %v\n", coin, err)
		}
	}

	l := ledger.New(repo, nil, logger)
	p, err := l.CreatePortfolio(ctx, "Demo", "demo-user")
	if err != nil {
		log.Fatalf("create demo portfolio: %v", err)
	}
	buys := []struct {
		coin, amount string
	}{
		{"bitcoin", "0.25"},
		{"ethereum", "2"},
		{"solana", "10"},
	}
	for _, b := range buys {
		if _, err := l.ApplyTransactionAt(ctx, p.ID, b.coin, models.Buy, decimal.RequireFromString(b.amount), decimal.RequireFromString(prices[b.coin]), yesterdayTS); err != nil {
			fmt.Printf("Warning: could not buy %s: %v\n", b.coin, err)
		}
	}

	fmt.Printf("Demo portfolio %s created.\n", p.ID)
	fmt.Printf("Now open: http://localhost:8080/portfolios/%s/history\n", p.ID)
}
