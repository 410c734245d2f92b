package database

import "coinledger/internal/models"

// DefaultCatalogue lists the coins a fresh install tracks. Ids double as
// CoinGecko coin ids.
func DefaultCatalogue() []models.Cryptocurrency {
	return []models.Cryptocurrency{
		{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", CoinID: "bitcoin"},
		{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", CoinID: "ethereum"},
		{ID: "binancecoin", Symbol: "BNB", Name: "BNB", CoinID: "binancecoin"},
		{ID: "cardano", Symbol: "ADA", Name: "Cardano", CoinID: "cardano"},
		{ID: "solana", Symbol: "SOL", Name: "Solana", CoinID: "solana"},
	}
}
