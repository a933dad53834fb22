package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/port"
)

const itemID = "stress-test-item"

func main() {
	mysqlDSN := flag.String("mysql", "", "MySQL DSN; in-memory storage when empty")
	initialStock := flag.Int("stock", 20, "initial stock")
	totalRequests := flag.Int("requests", 50, "concurrent carts, one unit each")
	flag.Parse()

	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	var store port.InventoryRepository = storage.NewMemoryStore()
	if *mysqlDSN != "" {
		db, err := sql.Open("mysql", *mysqlDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open mysql")
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping mysql")
		}
		store = storage.NewMySQLAdapter(db)
	}

	metrics := service.NewMetrics(nil)
	cache := storage.NewLocalCache()
	publisher := service.NewStockPublisher(cache, *totalRequests*2, metrics, logger)
	go publisher.Run(2)
	defer publisher.Close()

	catalog := service.NewCatalogService(store, cache, logger)
	reservations := service.NewReservationService(store, publisher, metrics, logger)
	audit := service.NewAuditService(store, metrics, logger)

	if err := catalog.Seed(ctx, []domain.Item{{
		ID: itemID, Name: "Stress test item", Price: 1000, Stock: *initialStock, Active: true,
	}}, "stress-test"); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed item")
	}

	var successCount, soldOutCount, errorCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(cart int) {
			defer wg.Done()
			_, err := reservations.ReserveItem(ctx, fmt.Sprintf("cart-%d", cart), itemID, 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
				logger.Error().Err(err).Int("cart", cart).Msg("reserve failed")
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	soldOut := int(soldOutCount.Load())
	expected := min(*initialStock, *totalRequests)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == expected && soldOut == *totalRequests-expected {
		fmt.Printf("PASS: exactly %d holds granted, %d refused\n", expected, soldOut)
	} else {
		fmt.Printf("FAIL: expected %d/%d, got %d/%d\n", expected, *totalRequests-expected, success, soldOut)
	}

	item, err := store.GetItem(ctx, itemID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read item")
	}
	fmt.Printf("Final Stock:      %d\n", item.Stock)
	if item.Stock == *initialStock-expected {
		fmt.Println("PASS: no oversell")
	} else {
		fmt.Printf("FAIL: expected stock %d, got %d\n", *initialStock-expected, item.Stock)
	}

	d, err := audit.VerifyItem(ctx, itemID)
	switch {
	case err != nil:
		fmt.Printf("FAIL: audit verification error: %v\n", err)
	case d != nil:
		fmt.Printf("FAIL: stock %d disagrees with audit sum %d\n", d.Stock, d.AuditSum)
	default:
		fmt.Println("PASS: stock matches audit log")
	}
}
