package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tessera-ledger/tessera/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tessctl",
	Short: "Tessera ledger CLI",
	Long: `tessctl is the command-line interface for the Tessera trust and
authorization ledger.

It reads trust records, verifies the Merkle commitment chain, revokes
claims and delegations, and inspects the batcher.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.tessera")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tessera/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledger URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "service token")

	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	return client.MustNew(ledgerURL, client.WithBearerToken(authToken))
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// ── trust ────────────────────────────────────────────────────────────────────

var trustCmd = &cobra.Command{
	Use:   "trust <org> <entity>",
	Short: "Read an entity's trust record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		rec, err := newClient().GetTrust(ctx, args[1], args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "entity\t%s\n", rec.EntityID)
		fmt.Fprintf(w, "organization\t%s\n", rec.OrganizationID)
		fmt.Fprintf(w, "competence\t%.3f\n", rec.Competence)
		fmt.Fprintf(w, "consistency\t%.3f\n", rec.Consistency)
		fmt.Fprintf(w, "temperament\t%.3f\n", rec.Temperament)
		fmt.Fprintf(w, "veracity\t%.3f\n", rec.Veracity)
		fmt.Fprintf(w, "validity\t%.3f\n", rec.Validity)
		fmt.Fprintf(w, "valuation\t%.3f\n", rec.Valuation)
		fmt.Fprintf(w, "capability composite\t%.3f\n", rec.CapabilityComposite)
		fmt.Fprintf(w, "transaction composite\t%.3f\n", rec.TransactionComposite)
		fmt.Fprintf(w, "level\t%s\n", rec.Level)
		fmt.Fprintf(w, "updated\t%s\n", rec.UpdatedAt.Format(time.RFC3339))
		return w.Flush()
	},
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainRootsLimit int

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect the Merkle commitment chain",
}

var chainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the whole root chain and check predecessor links",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		valid, detail, err := newClient().VerifyChain(ctx)
		if err != nil {
			return err
		}
		if !valid {
			fmt.Printf("chain BROKEN: %s\n", detail)
			os.Exit(1)
		}
		fmt.Println("chain intact")
		return nil
	},
}

var chainRootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List committed root records, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		roots, err := newClient().ListRoots(ctx, chainRootsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOT\tBATCH\tANCHOR\tCREATED")
		for _, r := range roots {
			anchor := r.AnchorRef
			if anchor == "" {
				anchor = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				r.RootHash, r.BatchSize, anchor, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	chainRootsCmd.Flags().IntVar(&chainRootsLimit, "limit", 50, "maximum roots to list")
	chainCmd.AddCommand(chainVerifyCmd)
	chainCmd.AddCommand(chainRootsCmd)
}

// ── revoke ───────────────────────────────────────────────────────────────────

var (
	revokeBy     string
	revokeReason string
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <claim|delegation> <id>",
	Short: "Revoke a permission claim or delegation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		if err := newClient().Revoke(ctx, args[0], args[1], revokeBy, revokeReason); err != nil {
			return err
		}
		fmt.Printf("%s %s revoked\n", args[0], args[1])
		return nil
	},
}

func init() {
	revokeCmd.Flags().StringVar(&revokeBy, "by", "admin", "revoking entity")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "audit reason (required)")
	_ = revokeCmd.MarkFlagRequired("reason")
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show batcher counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		stats, err := newClient().Stats(ctx)
		if err != nil {
			return err
		}

		if statsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "events recorded\t%d\n", stats.EventsRecorded)
		fmt.Fprintf(w, "rate-limit rejections\t%d\n", stats.RateLimitRejections)
		fmt.Fprintf(w, "pending-limit rejections\t%d\n", stats.PendingLimitRejections)
		fmt.Fprintf(w, "flushes\t%d\n", stats.Flushes)
		fmt.Fprintf(w, "flush errors\t%d\n", stats.FlushErrors)
		fmt.Fprintf(w, "keys flushed\t%d\n", stats.KeysFlushed)
		fmt.Fprintf(w, "roots generated\t%d\n", stats.RootsGenerated)
		fmt.Fprintf(w, "pending keys\t%d\n", stats.PendingKeys)
		if stats.LastRoot != "" {
			fmt.Fprintf(w, "last root\t%s\n", stats.LastRoot)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
}

// ── login ────────────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login <admin-secret>",
	Short: "Exchange the admin secret for an admin token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		token, err := newClient().AdminToken(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tessctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tessctl", version)
	},
}
