package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vtl",
	Short: "VeriTrail audit ledger CLI",
	Long: `vtl is the command-line interface for the VeriTrail audit ledger.

It appends entries, verifies hash chains, exports ledgers for external
audit, and re-verifies exported files offline without server access.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.vtl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.vtl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(verifyExportCmd)
	rootCmd.AddCommand(redactCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendAction     string
	appendEntityType string
	appendEntityID   string
	appendActorID    string
	appendOldValues  string
	appendNewValues  string
)

var appendCmd = &cobra.Command{
	Use:   "append <ledger-id>",
	Short: "Append an audit entry to a ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}

		req := client.AppendRequest{
			Action:     appendAction,
			EntityType: appendEntityType,
			EntityID:   appendEntityID,
			ActorID:    appendActorID,
		}
		if appendOldValues != "" {
			if err := json.Unmarshal([]byte(appendOldValues), &req.OldValues); err != nil {
				return fmt.Errorf("parse --old: %w", err)
			}
		}
		if appendNewValues != "" {
			if err := json.Unmarshal([]byte(appendNewValues), &req.NewValues); err != nil {
				return fmt.Errorf("parse --new: %w", err)
			}
		}

		entry, err := c.Append(context.Background(), args[0], req)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}

		fmt.Printf("✓ Entry appended\n\n")
		fmt.Printf("  Ledger:     %s\n", entry.LedgerID)
		fmt.Printf("  Sequence:   %d\n", entry.Sequence)
		fmt.Printf("  Chain hash: %s\n", entry.ChainHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendAction, "action", "", "Action recorded by the entry (e.g. create, update, delete)")
	appendCmd.Flags().StringVar(&appendEntityType, "entity-type", "", "Type of the affected entity (e.g. lead, invoice)")
	appendCmd.Flags().StringVar(&appendEntityID, "entity-id", "", "Identifier of the affected entity")
	appendCmd.Flags().StringVar(&appendActorID, "actor", "", "Identifier of the actor performing the action")
	appendCmd.Flags().StringVar(&appendOldValues, "old", "", "Previous state as a JSON object")
	appendCmd.Flags().StringVar(&appendNewValues, "new", "", "New state as a JSON object")

	_ = appendCmd.MarkFlagRequired("action")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyStart  int64
	verifyEnd    int64
	verifyFormat string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <ledger-id> [ledger-id] ...",
	Short: "Verify the hash chain of one or more ledgers",
	Long: `Verify walks each ledger's hash chain and reports whether it is intact.

A broken chain is reported with the sequence number of the first entry
that fails verification. Sub-ranges can be checked with --start/--end;
note that a sub-range anchors on the first entry's stored previous
chain hash rather than the genesis sentinel.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyStart, "start", -1, "First sequence to verify (default: genesis)")
	verifyCmd.Flags().Int64Var(&verifyEnd, "end", -1, "Last sequence to verify (default: tail)")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
}

// verifyRow holds the outcome of a single ledger verification.
type verifyRow struct {
	ledgerID string
	result   *client.VerificationResult
	err      error
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := client.New(serverURL)
	if err != nil {
		return err
	}

	var start, end *uint64
	if verifyStart >= 0 {
		s := uint64(verifyStart)
		start = &s
	}
	if verifyEnd >= 0 {
		e := uint64(verifyEnd)
		end = &e
	}

	ctx := context.Background()
	rows := make([]verifyRow, len(args))
	for i, id := range args {
		res, err := c.Verify(ctx, id, start, end)
		rows[i] = verifyRow{ledgerID: id, result: res, err: err}
	}

	if verifyFormat == "json" {
		return printVerifyJSON(rows)
	}
	return printVerifyText(rows)
}

func printVerifyJSON(rows []verifyRow) error {
	type jsonRow struct {
		LedgerID string                     `json:"ledger_id"`
		Result   *client.VerificationResult `json:"result,omitempty"`
		Error    string                     `json:"error,omitempty"`
	}
	out := make([]jsonRow, len(rows))
	for i, r := range rows {
		out[i] = jsonRow{LedgerID: r.ledgerID, Result: r.result}
		if r.err != nil {
			out[i].Error = r.err.Error()
		}
	}
	var v any = out
	if len(out) == 1 {
		v = out[0]
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printVerifyText(rows []verifyRow) error {
	broken := false
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEDGER\tSTATUS\tVERIFIED\tTOTAL\tBROKEN AT")
	for _, r := range rows {
		switch {
		case r.err != nil:
			broken = true
			fmt.Fprintf(w, "%s\terror: %s\t\t\t\n", r.ledgerID, r.err.Error())
		case r.result.Valid:
			fmt.Fprintf(w, "%s\tvalid\t%d\t%d\t\n", r.ledgerID, r.result.VerifiedCount, r.result.TotalEntries)
		default:
			broken = true
			at := ""
			if r.result.BrokenAt != nil {
				at = fmt.Sprintf("%d", *r.result.BrokenAt)
			}
			fmt.Fprintf(w, "%s\tBROKEN\t%d\t%d\t%s\n", r.ledgerID, r.result.VerifiedCount, r.result.TotalEntries, at)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if broken {
		return errors.New("one or more ledgers failed verification")
	}
	return nil
}

// ── tail ─────────────────────────────────────────────────────────────────────

var tailCmd = &cobra.Command{
	Use:   "tail <ledger-id>",
	Short: "Show the most recent entry of a ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}

		entry, err := c.Tail(context.Background(), args[0])
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				fmt.Printf("ledger %q is empty\n", args[0])
				return nil
			}
			return fmt.Errorf("tail: %w", err)
		}

		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportFormat string
	exportStart  uint64
	exportEnd    uint64
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <ledger-id>",
	Short: "Export a ledger range for external audit",
	Long: `Export downloads a sequence range as JSON or CSV. The export carries
every hash field, so it can be re-verified offline with 'vtl verify-export'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}

		body, err := c.Export(context.Background(), args[0], exportStart, exportEnd, exportFormat)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		defer body.Close()

		dst := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			defer f.Close()
			dst = f
		}

		n, err := io.Copy(dst, body)
		if err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		if exportOut != "" {
			fmt.Printf("✓ Exported %d bytes to %s\n", n, exportOut)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json or csv")
	exportCmd.Flags().Uint64Var(&exportStart, "start", 0, "First sequence to export")
	exportCmd.Flags().Uint64Var(&exportEnd, "end", ^uint64(0), "Last sequence to export")
	exportCmd.Flags().StringVar(&exportOut, "output", "", "Write to file instead of stdout")
}

// ── verify-export ────────────────────────────────────────────────────────────

var verifyExportCmd = &cobra.Command{
	Use:   "verify-export <file>",
	Short: "Re-verify an exported ledger file offline",
	Long: `verify-export walks the hash chain inside an export file without any
server access. The format is inferred from the file extension (.json or
.csv). An auditor holding only the export can confirm the chain links
and per-entry hashes are internally consistent.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerifyExport,
}

func runVerifyExport(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var ex *ledger.Export
	if strings.HasSuffix(path, ".csv") {
		ex, err = ledger.ParseExportCSV(f)
	} else {
		ex, err = ledger.ParseExportJSON(f)
	}
	if err != nil {
		return fmt.Errorf("parse export: %w", err)
	}

	res, err := ledger.VerifyExported(context.Background(), ex.Entries)
	if err != nil {
		return fmt.Errorf("verify export: %w", err)
	}

	if !res.Valid {
		at := ""
		if res.BrokenAt != nil {
			at = fmt.Sprintf(" at sequence %d", *res.BrokenAt)
		}
		return fmt.Errorf("chain BROKEN%s (%d of %d entries verified)", at, res.VerifiedCount, res.TotalEntries)
	}

	fmt.Printf("✓ Chain valid: %d entries verified (sequences %d-%d)\n",
		res.VerifiedCount, res.VerifiedRange.Start, res.VerifiedRange.End)
	return nil
}

// ── redact ───────────────────────────────────────────────────────────────────

var (
	redactValue       string
	redactField       string
	redactMarker      string
	redactRequestedBy string
	redactReason      string
	redactForce       bool
)

var redactCmd = &cobra.Command{
	Use:   "redact <ledger-id>",
	Short: "Erase personal data from ledger payloads",
	Long: `Redact replaces matching payload values with a tombstone marker across
the whole ledger. Hashes and chain links are untouched, so the chain
still verifies afterwards. The pass is recorded in the system redaction
ledger for accountability.

This operation cannot be undone.`,
	Args: cobra.ExactArgs(1),
	RunE: runRedact,
}

func init() {
	redactCmd.Flags().StringVar(&redactValue, "value", "", "Erase string leaves equal to this value")
	redactCmd.Flags().StringVar(&redactField, "field", "", "Erase values under this object key")
	redactCmd.Flags().StringVar(&redactMarker, "marker", "", "Tombstone marker (default [REDACTED])")
	redactCmd.Flags().StringVar(&redactRequestedBy, "requested-by", "", "Who requested the erasure")
	redactCmd.Flags().StringVar(&redactReason, "reason", "", "Legal basis (e.g. 'gdpr article 17')")
	redactCmd.Flags().BoolVar(&redactForce, "force", false, "Skip confirmation prompt")

	_ = redactCmd.MarkFlagRequired("requested-by")
	_ = redactCmd.MarkFlagRequired("reason")
}

func runRedact(cmd *cobra.Command, args []string) error {
	if (redactValue == "") == (redactField == "") {
		return errors.New("exactly one of --value or --field is required")
	}

	if !redactForce {
		fmt.Printf("This will permanently erase matching data from ledger %q.\n", args[0])
		fmt.Print("This action cannot be undone. Proceed? [y/N]: ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	c, err := client.New(serverURL)
	if err != nil {
		return err
	}

	res, err := c.Redact(context.Background(), args[0], client.RedactRequest{
		MatchValue:  redactValue,
		MatchField:  redactField,
		Marker:      redactMarker,
		RequestedBy: redactRequestedBy,
		Reason:      redactReason,
	})
	if err != nil {
		return fmt.Errorf("redact: %w", err)
	}

	fmt.Printf("✓ Redaction complete\n\n")
	fmt.Printf("  Request ID:       %s\n", res.RequestID)
	fmt.Printf("  Entries affected: %d\n", res.EntriesAffected)
	fmt.Printf("  Audit sequence:   %d (ledger %s)\n", res.AuditSequence, ledger.RedactionLedgerID)
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vtl CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vtl %s (VeriTrail)\n", version)
	},
}
