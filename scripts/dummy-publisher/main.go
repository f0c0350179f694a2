// dummy-publisher inserts one row of typed random values into a wide MySQL
// telemetry table every interval, stamping the timestamp column with NOW().
//
// Columns are discovered from information_schema; the timestamp column is the
// first TIMESTAMP column unless -timestamp-column is set.
//
// Usage: go run ./scripts/dummy-publisher [flags]
//
// Connection: DS_HOST, DS_PORT, DS_USER, DS_PASSWORD, DS_DB environment variables.
//
// Flags:
//
//	-table             target table (default sensor_data)
//	-timestamp-column  timestamp column (default: auto-detect)
//	-interval          insert interval (default 10s)
//	-once              insert a single row and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource/mysql"
)

func main() {
	table := flag.String("table", "sensor_data", "target table")
	tsColumn := flag.String("timestamp-column", "", "timestamp column (auto-detected when empty)")
	interval := flag.Duration("interval", 10*time.Second, "insert interval")
	once := flag.Bool("once", false, "insert one row and exit")
	flag.Parse()

	cfg := &mysql.Config{
		Host:     envOr("DS_HOST", "localhost"),
		Port:     envInt("DS_PORT", mysql.DefaultPort()),
		User:     envOr("DS_USER", "root"),
		Password: os.Getenv("DS_PASSWORD"),
		Database: envOr("DS_DB", "sensordb"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[dummy] Connecting to MySQL %s:%d db=%s\n", cfg.Host, cfg.Port, cfg.Database)
	executor, err := mysql.NewQueryExecutor(ctx, cfg, nil, uuid.Nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[dummy] Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer executor.Close()

	columns, err := executor.DescribeTable(ctx, *table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[dummy] Failed to describe %s: %v\n", *table, err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	pub, err := newPublisher(executor, *table, *tsColumn, columns, rng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[dummy] %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[dummy] Target table: %s.%s, timestamp column: %s, value columns: %d\n",
		cfg.Database, *table, pub.tsColumn, len(pub.columns))

	if *once {
		if err := pub.insert(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "[dummy] Insert error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	pub.run(ctx, *interval)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
