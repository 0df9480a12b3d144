package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/MutexLedger-Engine/client"
	"github.com/VanDung-dev/MutexLedger-Engine/config"
	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
)

// LoadConfig holds configuration for a load run.
type LoadConfig struct {
	Address      string
	Users        int
	Accounts     int
	Transactions int
	Duration     time.Duration
	EnvFile      string
	ReportFile   string
}

// LoadResult holds the results of a load run.
type LoadResult struct {
	TotalTransactions  int64
	Committed          int64
	Rejected           int64
	Failed             int64
	TotalDuration      time.Duration
	AvgLatency         time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	TransactionsPerSec float64
}

type counters struct {
	total        atomic.Int64
	committed    atomic.Int64
	rejected     atomic.Int64
	failed       atomic.Int64
	totalLatency atomic.Int64
	minLatency   atomic.Int64
	maxLatency   atomic.Int64
}

func main() {
	lc := parseFlags()

	cfg, err := loadServerConfig(lc.EnvFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	clientConfig := client.DefaultConfig(lc.Address)
	if clientConfig.LoginCipher, err = cfg.LoginCipher(); err != nil {
		log.Fatalf("Invalid login cipher: %v", err)
	}
	if clientConfig.SessionCipher, err = cfg.Keystream(); err != nil {
		log.Fatalf("Invalid session cipher: %v", err)
	}
	clientConfig.Timeout = cfg.IOTimeout

	c, err := client.New(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	fmt.Println("=== MutexLedger Load Generator ===")
	fmt.Printf("Target: %s\n", lc.Address)
	fmt.Printf("Users: %d\n", lc.Users)
	if lc.Transactions > 0 {
		fmt.Printf("Transactions per user: %d\n", lc.Transactions)
	} else {
		fmt.Printf("Duration: %v\n", lc.Duration)
	}
	fmt.Printf("Session cipher: %s\n", cfg.SessionCipher)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result := runLoad(ctx, c, lc)

	printResults(result)

	if lc.ReportFile != "" {
		saveReport(lc, result)
	}
}

func parseFlags() LoadConfig {
	lc := LoadConfig{}

	flag.StringVar(&lc.Address, "addr", "127.0.0.1:8888", "Ledger server address")
	flag.IntVar(&lc.Users, "c", 100, "Number of concurrent simulated users")
	flag.IntVar(&lc.Accounts, "accounts", 100, "Number of accounts on the server")
	flag.IntVar(&lc.Transactions, "n", 1, "Transactions per user (0 = run for -d)")
	flag.DurationVar(&lc.Duration, "d", 30*time.Second, "Duration of the run when -n is 0")
	flag.StringVar(&lc.EnvFile, "env", "", "Env file with the server's LEDGER_* cipher settings")
	flag.StringVar(&lc.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	if lc.Accounts < 2 {
		lc.Accounts = 2
	}
	return lc
}

func loadServerConfig(envFile string) (config.Config, error) {
	if envFile == "" {
		return config.Load()
	}
	return config.Load(envFile)
}

func runLoad(ctx context.Context, c *client.Client, lc LoadConfig) LoadResult {
	var (
		stats counters
		wg    sync.WaitGroup
	)
	stats.minLatency.Store(1<<63 - 1)

	if lc.Transactions == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lc.Duration)
		defer cancel()
	}

	startTime := time.Now()

	for i := 0; i < lc.Users; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()
			runUser(ctx, c, userID%lc.Accounts, lc, &stats)
		}(i)
	}
	wg.Wait()

	duration := time.Since(startTime)
	total := stats.total.Load()
	answered := stats.committed.Load() + stats.rejected.Load()

	var avgLatency time.Duration
	if answered > 0 {
		avgLatency = time.Duration(stats.totalLatency.Load() / answered)
	}
	minLat := stats.minLatency.Load()
	if answered == 0 {
		minLat = 0
	}

	return LoadResult{
		TotalTransactions:  total,
		Committed:          stats.committed.Load(),
		Rejected:           stats.rejected.Load(),
		Failed:             stats.failed.Load(),
		TotalDuration:      duration,
		AvgLatency:         avgLatency,
		MinLatency:         time.Duration(minLat),
		MaxLatency:         time.Duration(stats.maxLatency.Load()),
		TransactionsPerSec: float64(total) / duration.Seconds(),
	}
}

func runUser(ctx context.Context, c *client.Client, account int, lc LoadConfig, stats *counters) {
	username := "user" + strconv.Itoa(account)
	password := "pass" + strconv.Itoa(account)

	for i := 0; lc.Transactions == 0 || i < lc.Transactions; i++ {
		if ctx.Err() != nil {
			return
		}

		op, dst, amount := randomOperation(account, lc.Accounts)
		start := time.Now()
		resp, err := c.Transact(ctx, username, password, op, dst, amount)
		latency := time.Since(start)
		stats.total.Add(1)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.failed.Add(1)
			if errors.Is(err, client.ErrLoginFailed) {
				log.Printf("[User %02d] %v", account, err)
			}
			// Small sleep on error to avoid hammering
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if resp.Status == protocol.StatusOK {
			stats.committed.Add(1)
		} else {
			stats.rejected.Add(1)
		}
		recordLatency(stats, latency)
	}
}

// randomOperation picks a transfer to another account, a deposit or a
// withdrawal, with an amount in 1..100.
func randomOperation(account, accounts int) (protocol.Operation, int32, int32) {
	amount := int32(rand.IntN(100) + 1)
	switch rand.IntN(3) {
	case 0:
		dst := rand.IntN(accounts - 1)
		if dst >= account {
			dst++
		}
		return protocol.OpTransfer, int32(dst), amount
	case 1:
		return protocol.OpDeposit, 0, amount
	default:
		return protocol.OpWithdraw, 0, amount
	}
}

func recordLatency(stats *counters, latency time.Duration) {
	lat := int64(latency)
	stats.totalLatency.Add(lat)
	for {
		old := stats.minLatency.Load()
		if lat >= old || stats.minLatency.CompareAndSwap(old, lat) {
			break
		}
	}
	for {
		old := stats.maxLatency.Load()
		if lat <= old || stats.maxLatency.CompareAndSwap(old, lat) {
			break
		}
	}
}

func printResults(result LoadResult) {
	percent := func(n int64) float64 {
		if result.TotalTransactions == 0 {
			return 0
		}
		return float64(n) / float64(result.TotalTransactions) * 100
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Transactions:    %d\n", result.TotalTransactions)
	fmt.Printf("Committed:       %d (%.2f%%)\n", result.Committed, percent(result.Committed))
	fmt.Printf("Rejected:        %d (%.2f%%)\n", result.Rejected, percent(result.Rejected))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.Failed, percent(result.Failed))
	fmt.Printf("Throughput:      %.2f tx/s\n", result.TransactionsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(lc LoadConfig, result LoadResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":      lc.Address,
			"users":        lc.Users,
			"accounts":     lc.Accounts,
			"transactions": lc.Transactions,
			"duration":     lc.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_transactions":   result.TotalTransactions,
			"committed":            result.Committed,
			"rejected":             result.Rejected,
			"failed":               result.Failed,
			"transactions_per_sec": result.TransactionsPerSec,
			"avg_latency_ms":       float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":       float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":       float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(lc.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", lc.ReportFile)
	}
}
