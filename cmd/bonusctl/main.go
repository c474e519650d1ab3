// Command bonusctl is an operator CLI for a running bonus ledger daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	baseURL := stringFromEnv("http://localhost:8080", "BONUSLEDGER_URL")
	adminToken := stringFromEnv("", "BONUSLEDGER_ADMIN_TOKEN")

	api, err := client.NewLedgerClient(baseURL, adminToken, nil)
	if err != nil {
		fatalf("create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "create-user":
		runCreateUser(ctx, api, os.Args[2:])
	case "balance":
		runBalance(ctx, api, os.Args[2:])
	case "transactions":
		runTransactions(ctx, api, os.Args[2:])
	case "grant":
		runGrant(ctx, api, os.Args[2:])
	case "spend":
		runSpend(ctx, api, os.Args[2:])
	case "confirm":
		runConfirm(ctx, api, os.Args[2:])
	case "sweep":
		runSweep(ctx, api)
	case "audit":
		runAudit(ctx, api, os.Args[2:])
	case "settings":
		runSettings(ctx, api)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(`
bonusctl <command> [flags]

Commands:
  create-user   register a ledger account (-referrer)
  balance       show a user's point balance (-user)
  transactions  list a user's recent ledger entries (-user, -limit)
  grant         post an admin credit or debit (-user, -amount, -desc, -admin)
  spend         fund a purchase with points (-user, -amount, -tier, -duration)
  confirm       report a confirmed payment (-payer, -date, -amount, -duration)
  sweep         run an expiration sweep now
  audit         verify balance against the transaction log (-user)
  settings      show the active monetary settings

Environment:
  BONUSLEDGER_URL          daemon base URL (default http://localhost:8080)
  BONUSLEDGER_ADMIN_TOKEN  token for admin commands`))
}

func runCreateUser(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	referrer := fs.Int64("referrer", 0, "referrer user id (optional)")
	fs.Parse(args)

	var referredBy *int64
	if *referrer > 0 {
		referredBy = referrer
	}
	user, err := api.CreateUser(ctx, referredBy)
	if err != nil {
		fatalf("create user: %v", err)
	}
	printJSON(user)
}

func runBalance(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	user := fs.Int64("user", 0, "user id")
	fs.Parse(args)
	mustID(fs, *user)

	balance, err := api.Balance(ctx, *user)
	if err != nil {
		fatalf("balance: %v", err)
	}
	fmt.Printf("user %d balance %d\n", *user, balance)
}

func runTransactions(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	user := fs.Int64("user", 0, "user id")
	limit := fs.Int("limit", 20, "max entries")
	fs.Parse(args)
	mustID(fs, *user)

	entries, err := api.Transactions(ctx, *user, *limit)
	if err != nil {
		fatalf("transactions: %v", err)
	}
	printJSON(entries)
}

func runGrant(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	user := fs.Int64("user", 0, "user id")
	amount := fs.Int64("amount", 0, "points, negative for a debit")
	desc := fs.String("desc", "manual grant", "ledger description")
	admin := fs.Int64("admin", 0, "acting admin id (optional)")
	fs.Parse(args)
	mustID(fs, *user)

	req := client.GrantRequest{UserID: *user, Amount: *amount, Description: *desc}
	if *admin > 0 {
		req.AdminID = admin
	}
	result, err := api.Grant(ctx, req)
	if err != nil {
		fatalf("grant: %v", err)
	}
	printJSON(result)
}

func runSpend(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("spend", flag.ExitOnError)
	user := fs.Int64("user", 0, "user id")
	amount := fs.Int64("amount", 0, "points to spend")
	tier := fs.String("tier", "", "subscription tier")
	duration := fs.String("duration", "", "month or year")
	fs.Parse(args)
	mustID(fs, *user)

	result, err := api.Spend(ctx, *user, client.SpendRequest{Amount: *amount, Tier: *tier, Duration: *duration})
	if err != nil {
		fatalf("spend: %v", err)
	}
	printJSON(result)
}

func runConfirm(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	payer := fs.Int64("payer", 0, "paying user id")
	date := fs.String("date", "", "payment date, RFC 3339")
	amount := fs.Float64("amount", 0, "amount paid")
	duration := fs.String("duration", "month", "month or year")
	fs.Parse(args)
	mustID(fs, *payer)
	if *date == "" {
		fs.Usage()
		os.Exit(2)
	}

	outcome, err := api.ConfirmPurchase(ctx, client.PurchaseConfirmation{
		PayerID:    *payer,
		Date:       *date,
		AmountPaid: *amount,
		Duration:   *duration,
	})
	if err != nil {
		fatalf("confirm: %v", err)
	}
	printJSON(outcome)
}

func runSweep(ctx context.Context, api *client.LedgerClient) {
	result, err := api.Sweep(ctx)
	if err != nil {
		fatalf("sweep: %v", err)
	}
	printJSON(result)
}

func runAudit(ctx context.Context, api *client.LedgerClient, args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	user := fs.Int64("user", 0, "user id")
	fs.Parse(args)
	mustID(fs, *user)

	report, err := api.Audit(ctx, *user)
	if err != nil {
		fatalf("audit: %v", err)
	}
	printJSON(report)
}

func runSettings(ctx context.Context, api *client.LedgerClient) {
	settings, err := api.GetSettings(ctx)
	if err != nil {
		fatalf("settings: %v", err)
	}
	printJSON(settings)
}

func mustID(fs *flag.FlagSet, id int64) {
	if id <= 0 {
		fs.Usage()
		os.Exit(2)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func stringFromEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return fallback
}
