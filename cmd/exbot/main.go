// exbot CLI
// Initializes a storage backend, downloads exchange klines into it and runs
// backend-native queries against the stored data.
//
// Usage:
//
//	exbot init --db-type sqlite --db-endpoint ~/.exbot/exbot.db
//	exbot klines --symbol NEARUSDT --interval 1m --limit 5
//	exbot query --metric klines --statement "SELECT * FROM klines LIMIT 10"
//	exbot ping
//
// For detailed help on any command, use: exbot <command> --help
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-exbot/internal/apis"
	"github.com/johnayoung/go-exbot/internal/app"
	"github.com/johnayoung/go-exbot/internal/config"
	apperrors "github.com/johnayoung/go-exbot/internal/errors"
	"github.com/johnayoung/go-exbot/internal/ingest"
	"github.com/johnayoung/go-exbot/internal/models"
	"github.com/johnayoung/go-exbot/internal/storage"
)

// CLI version information
const (
	Version = "0.1.0"
	AppName = "exbot"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// usageError marks a problem with the command line itself
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// CLI represents the main CLI application
type CLI struct {
	stdout  io.Writer
	stderr  io.Writer
	manager *config.ConfigManager
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		manager: config.NewConfigManager("", nil),
	}
	code := cli.Run(ctx, os.Args[1:])
	if ctx.Err() != nil && code != ExitSuccess {
		code = ExitInterrupt
	}
	os.Exit(code)
}

// Run executes one command and returns the process exit code.
func (cli *CLI) Run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		cli.printUsage()
		return ExitUsageError
	}

	command, rest := args[0], args[1:]

	var err error
	switch command {
	case "init":
		err = cli.handleInit(ctx, rest)
	case "klines":
		err = cli.handleKlines(ctx, rest)
	case "query":
		err = cli.handleQuery(ctx, rest)
	case "ping":
		err = cli.handlePing(ctx, rest)
	case "routes":
		err = cli.handleRoutes(rest)
	case "config":
		err = cli.handleConfig(rest)
	case "--version", "-v", "version":
		fmt.Fprintf(cli.stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(rest) > 0 {
			cli.printCommandHelp(rest[0])
		} else {
			cli.printUsage()
		}
		return ExitSuccess
	default:
		fmt.Fprintf(cli.stderr, "Error: Unknown command '%s'\n\n", command)
		cli.printUsage()
		return ExitUsageError
	}

	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %s\n", apperrors.Describe(err))
		return exitCode(err)
	}
	return ExitSuccess
}

// exitCode maps an error kind to a process exit code
func exitCode(err error) int {
	if _, ok := err.(*usageError); ok {
		return ExitUsageError
	}

	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeValidation:
		return ExitUsageError
	case apperrors.ErrorTypeConfiguration, apperrors.ErrorTypeSigning:
		return ExitConfigError
	case apperrors.ErrorTypeTransport, apperrors.ErrorTypeHTTPStatus, apperrors.ErrorTypeAPI:
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

// newApp loads the configuration and builds the application context
func (cli *CLI) newApp() (*app.AppContext, error) {
	cfg, err := cli.manager.LoadConfig()
	if err != nil {
		return nil, err
	}
	return app.NewAppContext(cfg)
}

// handleInit creates the storage schema, then writes the configuration file
func (cli *CLI) handleInit(ctx context.Context, args []string) error {
	flags, err := parseInitFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("init")
		return nil
	}

	cfg, err := cli.manager.LoadConfig()
	if err != nil {
		return err
	}
	if flags.DBType != "" {
		cfg.Storage.Type = flags.DBType
	}
	if flags.DBEndpoint != "" {
		cfg.Storage.Endpoint = flags.DBEndpoint
	}

	a, err := app.NewAppContext(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.InitStorage(ctx)
	if err != nil {
		return err
	}

	if err := cli.manager.Init(cfg); err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout, "Initialized %s storage at %s\n", cfg.Storage.Type, cfg.Storage.Endpoint)
	fmt.Fprintf(cli.stdout, "Created: %s\n", joinOrNone(report.Created))
	fmt.Fprintf(cli.stdout, "Existing: %s\n", joinOrNone(report.Existing))
	fmt.Fprintf(cli.stdout, "Config: %s\n", cli.manager.Path())
	return nil
}

// handleKlines downloads klines and stores them, one run per symbol and interval
func (cli *CLI) handleKlines(ctx context.Context, args []string) error {
	flags, err := parseKlinesFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("klines")
		return nil
	}

	var start, end time.Time
	if flags.Start != "" {
		if start, err = time.Parse(time.RFC3339, flags.Start); err != nil {
			return usagef("invalid --start, use RFC 3339: %v", err)
		}
	}
	if flags.End != "" {
		if end, err = time.Parse(time.RFC3339, flags.End); err != nil {
			return usagef("invalid --end, use RFC 3339: %v", err)
		}
	}

	var reqs []ingest.Request
	for _, symbol := range flags.Symbols {
		for _, interval := range flags.Intervals {
			reqs = append(reqs, ingest.Request{
				Symbol:    symbol,
				Interval:  interval,
				Limit:     flags.Limit,
				StartTime: start,
				EndTime:   end,
			})
		}
	}

	a, err := cli.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if flags.NoStore {
		// Fetch needs no backend
		p, err := ingest.New(a.Client, storage.NewMemoryStorage(a.Logs.Logger()),
			ingest.WithDecodeMode(a.Config.DecodeMode()),
			ingest.WithLogger(a.Logs.Logger()))
		if err != nil {
			return err
		}
		for _, req := range reqs {
			klines, err := p.Fetch(ctx, req)
			if err != nil {
				return err
			}
			if err := cli.outputKlines(klines, flags.Format); err != nil {
				return err
			}
		}
		return nil
	}

	p, err := a.Pipeline(ctx)
	if err != nil {
		return err
	}

	results, runErr := p.RunAll(ctx, reqs, flags.Workers)
	for _, result := range results {
		if result == nil {
			continue
		}
		fmt.Fprintf(cli.stdout, "%s %s: fetched %d, stored %d (run %s)\n",
			result.Request.Symbol, result.Request.Interval,
			len(result.Klines), result.Stored, result.RunID)
		if n := len(result.Anomalies); n > 0 {
			fmt.Fprintf(cli.stdout, "  %d anomalies, first: %s\n", n, result.Anomalies[0])
		}
		for _, gap := range result.Gaps {
			fmt.Fprintf(cli.stdout, "  gap: %s\n", gap)
		}
		if flags.Format != "" {
			if err := cli.outputKlines(result.Klines, flags.Format); err != nil {
				return err
			}
		}
	}
	if flags.Stats {
		snap, err := p.Metrics().Snapshot()
		if err != nil {
			return err
		}
		if err := snap.WriteJSON(cli.stdout); err != nil {
			return err
		}
	}
	return runErr
}

// handleQuery runs a backend-native statement
func (cli *CLI) handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("query")
		return nil
	}
	if len(flags.Metrics) == 0 && flags.Statement == "" {
		return usagef("--metric or --statement is required")
	}

	a, err := cli.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.Engine(ctx)
	if err != nil {
		return err
	}

	result, err := engine.Query(ctx, storage.QueryRequest{
		Metrics:   flags.Metrics,
		Statement: flags.Statement,
	})
	if err != nil {
		return err
	}

	if flags.Format == "json" {
		encoder := json.NewEncoder(cli.stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Columns) == 0 {
		fmt.Fprintf(cli.stdout, "Affected rows: %d\n", result.AffectedRows)
		return nil
	}
	fmt.Fprintln(cli.stdout, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(cli.stdout, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(cli.stdout, "(%d rows)\n", len(result.Rows))
	return nil
}

// handlePing checks the exchange is reachable
func (cli *CLI) handlePing(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if args[0] == "--help" || args[0] == "-h" {
			cli.printCommandHelp("ping")
			return nil
		}
		return usagef("unknown flag: %s", args[0])
	}

	a, err := cli.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if err := a.Client.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "%s reachable at %s (%v)\n",
		a.Client.Exchange().ID(), a.Client.Exchange().Host(), time.Since(start).Round(time.Millisecond))
	return nil
}

// handleRoutes prints the route table of the configured exchange
func (cli *CLI) handleRoutes(args []string) error {
	if len(args) > 0 {
		if args[0] == "--help" || args[0] == "-h" {
			cli.printCommandHelp("routes")
			return nil
		}
		return usagef("unknown flag: %s", args[0])
	}

	a, err := cli.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ex := a.Client.Exchange()
	for _, op := range apis.AllOperations() {
		fmt.Fprintf(cli.stdout, "%-28s %s\n", op, ex.URL(op))
	}
	return nil
}

// handleConfig prints the effective configuration with credentials redacted
func (cli *CLI) handleConfig(args []string) error {
	if len(args) > 0 {
		if args[0] == "--help" || args[0] == "-h" {
			cli.printCommandHelp("config")
			return nil
		}
		return usagef("unknown flag: %s", args[0])
	}

	cfg, err := cli.manager.LoadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "# %s\n%s", cli.manager.Path(), cfg.String())
	return nil
}

// Output formatting functions

func (cli *CLI) outputKlines(klines []models.Kline, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(cli.stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(klines)
	case "csv":
		fmt.Fprintln(cli.stdout, "open_time,open,high,low,close,volume,close_time,quote_volume,trade_count")
		for _, k := range klines {
			fmt.Fprintf(cli.stdout, "%d,%s,%s,%s,%s,%s,%d,%s,%d\n",
				k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime, k.QuoteVolume, k.TradeCount)
		}
		return nil
	default:
		fmt.Fprintf(cli.stdout, "%-20s %-14s %-14s %-14s %-14s %-16s\n",
			"Open Time", "Open", "High", "Low", "Close", "Volume")
		fmt.Fprintln(cli.stdout, strings.Repeat("-", 96))
		for _, k := range klines {
			fmt.Fprintf(cli.stdout, "%-20s %-14s %-14s %-14s %-14s %-16s\n",
				k.OpenAt().Format("2006-01-02 15:04:05"), k.Open, k.High, k.Low, k.Close, k.Volume)
		}
		return nil
	}
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// Flag structures for parsing command line arguments

// InitFlags represents flags for the init command
type InitFlags struct {
	DBType     string
	DBEndpoint string
	Help       bool
}

// KlinesFlags represents flags for the klines command
type KlinesFlags struct {
	Symbols   []string
	Intervals []string
	Limit     int
	Start     string
	End       string
	Workers   int
	Format    string
	NoStore   bool
	Stats     bool
	Help      bool
}

// QueryFlags represents flags for the query command
type QueryFlags struct {
	Metrics   []string
	Statement string
	Format    string
	Help      bool
}

// flagValue returns the value following args[i]
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", usagef("%s requires a value", args[i])
	}
	return args[i+1], nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseInitFlags parses command line arguments for the init command
func parseInitFlags(args []string) (*InitFlags, error) {
	flags := &InitFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db-type", "-t":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.DBType = v
			i++
		case "--db-endpoint", "-e":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.DBEndpoint = v
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseKlinesFlags parses command line arguments for the klines command
func parseKlinesFlags(args []string) (*KlinesFlags, error) {
	flags := &KlinesFlags{
		Intervals: []string{"1m"}, // Default interval
		Limit:     500,            // Default limit
		Workers:   4,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Symbols = splitList(v)
			i++
		case "--interval", "-i":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Intervals = splitList(v)
			i++
		case "--limit", "-l":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			limit, err := strconv.Atoi(v)
			if err != nil {
				return nil, usagef("invalid limit value: %v", err)
			}
			flags.Limit = limit
			i++
		case "--start":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Start = v
			i++
		case "--end":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.End = v
			i++
		case "--workers", "-w":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			workers, err := strconv.Atoi(v)
			if err != nil || workers < 1 {
				return nil, usagef("invalid workers value: %s", v)
			}
			flags.Workers = workers
			i++
		case "--format", "-f":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			if v != "json" && v != "csv" && v != "table" {
				return nil, usagef("invalid format, must be: json, csv, or table")
			}
			flags.Format = v
			i++
		case "--no-store":
			flags.NoStore = true
		case "--stats":
			flags.Stats = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	if !flags.Help && len(flags.Symbols) == 0 {
		return nil, usagef("--symbol is required")
	}
	if len(flags.Intervals) == 0 {
		return nil, usagef("--interval must name at least one interval")
	}
	if flags.NoStore && flags.Format == "" {
		flags.Format = "table"
	}

	return flags, nil
}

// parseQueryFlags parses command line arguments for the query command
func parseQueryFlags(args []string) (*QueryFlags, error) {
	flags := &QueryFlags{
		Format: "table", // Default format
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--metric", "-m":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Metrics = append(flags.Metrics, splitList(v)...)
			i++
		case "--statement", "-q":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Statement = v
			i++
		case "--format", "-f":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			if v != "json" && v != "table" {
				return nil, usagef("invalid format, must be: json or table")
			}
			flags.Format = v
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// Help and usage functions

func (cli *CLI) printUsage() {
	fmt.Fprintf(cli.stdout, `%s - exchange kline downloader v%s

USAGE:
    %s <command> [options]

COMMANDS:
    init        Create the storage schema and write the config file
    klines      Download klines and store them
    query       Run a statement against the storage backend
    ping        Check the exchange is reachable
    routes      Print the exchange route table
    config      Print the effective configuration

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

CONFIGURATION:
    Configuration is read from $EXBOT_PATH/%s (default ~/.exbot/%s),
    then a .env file next to it, then EXBOT_* environment variables
    (e.g. EXBOT_DB_TYPE, EXBOT_DB_ENDPOINT, EXBOT_EXCHANGE, EXBOT_LOG_LEVEL).

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, config.FileName, config.FileName, AppName)
}

func (cli *CLI) printCommandHelp(command string) {
	switch command {
	case "init":
		fmt.Fprintf(cli.stdout, `%s init - Create the storage schema and write the config file

USAGE:
    %s init [options]

OPTIONS:
    --db-type, -t <type>          Storage backend: sqlite, duckdb, postgres, redis, memory
                                  (default: sqlite)
    --db-endpoint, -e <endpoint>  File path, DSN or address of the backend
                                  (default: $EXBOT_PATH/exbot.db)
    --help, -h                    Show this help message

NOTES:
    - Running init twice against the same backend creates nothing the second time
    - An existing config file is never overwritten
`, AppName, AppName)

	case "klines":
		fmt.Fprintf(cli.stdout, `%s klines - Download klines and store them

USAGE:
    %s klines [options]

OPTIONS:
    --symbol, -s <symbols>     Comma-separated symbols (required), e.g. NEARUSDT,BTCUSDT
    --interval, -i <intervals> Comma-separated intervals (default: 1m)
    --limit, -l <n>            Rows per request (default: 500)
    --start <time>             Start time, RFC 3339
    --end <time>               End time, RFC 3339
    --workers, -w <n>          Concurrent requests (default: 4)
    --format, -f <format>      Also print klines: table, json, csv
    --no-store                 Print klines without storing them
    --stats                    Print run metrics as JSON when done
    --help, -h                 Show this help message

EXAMPLES:
    %s klines --symbol NEARUSDT --interval 1m --limit 5
    %s klines --symbol BTCUSDT,ETHUSDT --interval 1h,1d --limit 100
`, AppName, AppName, AppName, AppName)

	case "query":
		fmt.Fprintf(cli.stdout, `%s query - Run a statement against the storage backend

USAGE:
    %s query [options]

OPTIONS:
    --metric, -m <metrics>       Tables the statement concerns: klines, ingest_runs
    --statement, -q <statement>  Backend-native statement (SQL, or a Redis command)
    --format, -f <format>        Output format: table, json (default: table)
    --help, -h                   Show this help message

EXAMPLES:
    %s query --metric klines --statement "SELECT symbol, count(*) FROM klines GROUP BY symbol"
    %s query --metric ingest_runs
`, AppName, AppName, AppName, AppName)

	case "ping", "routes", "config":
		fmt.Fprintf(cli.stdout, "%s %s - takes no options\n", AppName, command)

	default:
		fmt.Fprintf(cli.stderr, "No help available for command: %s\n", command)
		cli.printUsage()
	}
}
