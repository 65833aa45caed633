// Command tradestats summarizes the closed-trade log: per-symbol and
// per-close-reason win rates and PnL, read straight from Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/position"
)

type bucket struct {
	key      string
	trades   int
	wins     int
	totalPnL float64
	winPnL   float64
	lossPnL  float64
}

func main() {
	limit := flag.Int("limit", 500, "number of recent closed trades to analyze")
	configPath := flag.String("config", "config.json", "path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	manager, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, manager.Current().Database, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewPositionRepository(db)
	records, err := repo.RecentClosedTrades(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load closed trades: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("no closed trades recorded")
		return
	}

	fmt.Printf("CLOSED TRADE ANALYSIS (%d trades, %s .. %s)\n\n",
		len(records),
		records[0].ClosedAt.Format("2006-01-02"),
		records[len(records)-1].ClosedAt.Format("2006-01-02"))

	printBuckets("BY SYMBOL", group(records, func(r position.ClosedTradeRecord) string {
		return r.Symbol
	}))
	fmt.Println()
	printBuckets("BY CLOSE REASON", group(records, func(r position.ClosedTradeRecord) string {
		return string(r.CloseReason)
	}))
}

func group(records []position.ClosedTradeRecord, keyFn func(position.ClosedTradeRecord) string) []bucket {
	byKey := make(map[string]*bucket)
	for _, rec := range records {
		key := keyFn(rec)
		b, ok := byKey[key]
		if !ok {
			b = &bucket{key: key}
			byKey[key] = b
		}
		b.trades++
		b.totalPnL += rec.RealizedPnL
		if rec.RealizedPnL >= 0 {
			b.wins++
			b.winPnL += rec.RealizedPnL
		} else {
			b.lossPnL += rec.RealizedPnL
		}
	}

	out := make([]bucket, 0, len(byKey))
	for _, b := range byKey {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].totalPnL > out[j].totalPnL })
	return out
}

func printBuckets(title string, buckets []bucket) {
	fmt.Println(title)
	fmt.Printf("%-24s %7s %8s %12s %12s %12s\n",
		"", "trades", "win%", "total PnL", "avg win", "avg loss")
	for _, b := range buckets {
		winRate := float64(b.wins) / float64(b.trades) * 100
		avgWin, avgLoss := 0.0, 0.0
		if b.wins > 0 {
			avgWin = b.winPnL / float64(b.wins)
		}
		if losses := b.trades - b.wins; losses > 0 {
			avgLoss = b.lossPnL / float64(losses)
		}
		fmt.Printf("%-24s %7d %7.1f%% %12.2f %12.2f %12.2f\n",
			b.key, b.trades, winRate, b.totalPnL, avgWin, avgLoss)
	}
}
