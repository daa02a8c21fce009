package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go-civitai-publisher/internal/database"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ledgerCmd represents the base command for ledger operations
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the local publish ledger",
	Long: `The ledger remembers which remote model, version and post each manifest
created, and which files were uploaded, so runs can be resumed.`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded releases, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <identity>",
	Short: "Show one release and its recorded files",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerForgetCmd = &cobra.Command{
	Use:   "forget <identity>",
	Short: "Drop a release from the ledger so the next run starts from scratch",
	Long: `Removes the release and its recorded files from the local ledger. Nothing is
deleted on the platform; a later run of the manifest creates a new model unless
the manifest names the model id.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerForget,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerForgetCmd)
}

func openLedger() (*database.DB, error) {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", globalConfig.DatabasePath, err)
	}
	return db, nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "The ledger is empty.")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Identity,
			strconv.Itoa(e.ModelID),
			strconv.Itoa(e.VersionID),
			e.Status,
			humanize.Time(e.UpdatedAt),
			dash(e.ErrorDetails),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Identity", "Model", "Version", "Status", "Updated", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight},
	))
	return nil
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	e, err := db.Get(args[0])
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("no release %q in the ledger", args[0])
	}
	if err != nil {
		return err
	}
	published := "-"
	if e.PublishedAt != nil {
		published = e.PublishedAt.Format(time.RFC3339)
	}
	rows := [][]string{
		{"Identity", e.Identity},
		{"Model", fmt.Sprintf("%s (#%d)", e.ModelName, e.ModelID)},
		{"Version", fmt.Sprintf("%s (#%d)", e.VersionName, e.VersionID)},
		{"Post", strconv.Itoa(e.PostID)},
		{"Status", e.Status},
		{"Published", published},
		{"Updated", e.UpdatedAt.Format(time.RFC3339)},
		{"Error", dash(e.ErrorDetails)},
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))

	files, err := db.Files(e.VersionID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	fileRows := make([][]string, 0, len(files))
	for hash, f := range files {
		fileRows = append(fileRows, []string{f.DisplayName, strconv.Itoa(f.RemoteID), humanize.Bytes(uint64(f.SizeKB * 1024)), shortHash(hash), f.LocalPath})
	}
	sortRows(fileRows)
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"File", "Remote ID", "Size", "BLAKE3", "Local path"},
		fileRows,
		[]columnAlignment{alignLeft, alignRight, alignRight},
	))
	return nil
}

func runLedgerForget(cmd *cobra.Command, args []string) error {
	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Delete(args[0]); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("no release %q in the ledger", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
	return nil
}
