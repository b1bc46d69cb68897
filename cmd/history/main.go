package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/ovlwatch/storage"
	"github.com/web3guy0/ovlwatch/types"
)

// Prints the stored assessment history, newest scan first, one row per
// position with the worst value seen in the window.
//
//	go run ./cmd/history [limit]
func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_PATH")
	if dsn == "" {
		dsn = "data/ovlwatch.db"
	}

	limit := 500
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n <= 0 {
			fmt.Println("❌ limit must be a positive integer")
			os.Exit(1)
		}
		limit = n
	}

	db, err := storage.New(dsn)
	if err != nil {
		fmt.Println("❌ Error opening database:", err)
		os.Exit(1)
	}
	defer db.Close()

	history, err := db.Recent(limit)
	if err != nil {
		fmt.Println("❌ Error reading assessments:", err)
		os.Exit(1)
	}

	fmt.Printf("📊 ASSESSMENT HISTORY - %d rows\n\n", len(history))
	if len(history) == 0 {
		return
	}

	summaries := summarize(history)

	ids := make([]uint64, 0, len(summaries))
	for id := range summaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Println("│ ID     │ SIDE  │ VALUE        │ MIN VALUE    │ LIQ PRICE    │ SCANS │ LIQ │ ERR")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	for _, id := range ids {
		s := summaries[id]
		status := "✅"
		if s.Latest.IsLiquidatable {
			status = "🚨"
		} else if s.Latest.Failed() {
			status = "⚠️"
		}
		minValue := "n/a"
		if s.HasMin {
			minValue = s.MinValue.StringFixed(4)
		}
		fmt.Printf("│ %-6d │ %-5s │ %12s │ %12s │ %12s │ %5d │ %3d │ %3d %s\n",
			id,
			s.Latest.Side,
			s.Latest.Value.StringFixed(4),
			minValue,
			s.Latest.LiquidationPriceString(4),
			s.Scans,
			s.Liquidatable,
			s.Failed,
			status,
		)
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	newest := history[0].EvaluatedAt
	oldest := history[len(history)-1].EvaluatedAt
	fmt.Printf("\n   Date Range: %s to %s\n", oldest.Local().Format("Jan 2 15:04"), newest.Local().Format("Jan 2 15:04"))

	n, err := db.CountLiquidatable(time.Now().Add(-24 * time.Hour))
	if err == nil {
		fmt.Printf("   Liquidatable assessments, last 24h: %d\n", n)
	}
}

// positionSummary is the latest row of one position plus the lowest value seen
type positionSummary struct {
	Latest       types.Assessment
	MinValue     decimal.Decimal
	HasMin       bool
	Scans        int
	Liquidatable int
	Failed       int
}

// summarize groups rows that arrive newest first by position
func summarize(history []types.Assessment) map[uint64]*positionSummary {
	summaries := make(map[uint64]*positionSummary)
	for _, a := range history {
		s := summaries[a.PositionID]
		if s == nil {
			s = &positionSummary{Latest: a}
			summaries[a.PositionID] = s
		}
		s.Scans++
		// failed rows carry no value
		if a.Failed() {
			s.Failed++
			continue
		}
		if a.IsLiquidatable {
			s.Liquidatable++
		}
		if !s.HasMin || a.Value.LessThan(s.MinValue) {
			s.MinValue = a.Value
			s.HasMin = true
		}
	}
	return summaries
}
