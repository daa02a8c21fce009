package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go-civitai-publisher/internal/database"
	"go-civitai-publisher/internal/manifest"
	"go-civitai-publisher/internal/publisher"
	"go-civitai-publisher/internal/workflow"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var noProgressFlag bool

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <manifest.toml>...",
	Short: "Create or update models from manifests, upload their files and publish them",
	Long: `Applies each manifest in turn: the model and version are created or updated,
files and sample images are uploaded, the release is published or scheduled as
requested and associated resources are linked.

Remote ids are remembered in the local ledger, so a manifest can be run again
after a failure. Files already uploaded to the version are not uploaded twice
and a release that already went out is not published again.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	addUploadFlags(publishCmd)
	addPublishFlags(publishCmd)
	publishCmd.Flags().BoolVar(&noProgressFlag, "no-progress", false, "Do not draw live upload progress")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Fail fast on a broken manifest before anything is sent.
	manifests := make([]*manifest.Manifest, 0, len(args))
	for _, path := range args {
		m, err := manifest.Load(path)
		if err != nil {
			return err
		}
		manifests = append(manifests, m)
	}

	ledger, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	var board *progressBoard
	if !noProgressFlag && isTerminal(os.Stdout) {
		board = newProgressBoard(nil)
		board.Start()
	}
	pub, err := newPublisher(ctx, trackerOrNil(board))
	if err != nil {
		if board != nil {
			board.Stop()
		}
		return err
	}

	wf := workflow.New(pub, ledger,
		workflow.WithFileNamePattern(globalConfig.Upload.FileNamePattern),
		workflow.WithPostPublish(globalConfig.Publish.PublishPost),
	)

	var result *multierror.Error
	reports := make([]workflow.Report, 0, len(manifests))
	for _, m := range manifests {
		log.Infof("Publishing %s", m)
		report, err := wf.Run(ctx, m)
		reports = append(reports, report)
		if err != nil {
			log.WithError(err).Errorf("Publishing %s failed", report.Identity)
			result = multierror.Append(result, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if board != nil {
		board.Stop()
	}

	for _, report := range reports {
		printReport(cmd.OutOrStdout(), report)
	}
	return result.ErrorOrNil()
}

// trackerOrNil keeps a nil *progressBoard from becoming a non-nil interface.
func trackerOrNil(board *progressBoard) publisher.ProgressTracker {
	if board == nil {
		return nil
	}
	return board
}

func printReport(w io.Writer, r workflow.Report) {
	rows := [][]string{
		{"Identity", r.Identity},
		{"Status", dash(r.Status)},
	}
	if r.Model.ID > 0 {
		rows = append(rows, []string{"Model", fmt.Sprintf("%s (#%d, %s)", r.Model.Name, r.Model.ID, r.Model.Status)})
	}
	if r.Version.ID > 0 {
		rows = append(rows, []string{"Version", fmt.Sprintf("%s (#%d, %s)", r.Version.Name, r.Version.ID, r.Version.BaseModel)})
	}
	if r.Images != nil {
		rows = append(rows, []string{"Post", fmt.Sprintf("#%d, %d image(s)", r.Images.PostID, len(r.Images.Images))})
	}
	if r.Publish != nil {
		when := "now"
		if r.Publish.PublishAt != nil {
			when = r.Publish.PublishAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{"Release", fmt.Sprintf("%s %s (%s)", r.Publish.Target, r.Publish.State, when)})
	}
	if len(r.Associations) > 0 {
		rows = append(rows, []string{"Suggests", fmt.Sprint(r.Associations)})
	}
	fmt.Fprintln(w, renderTable([]string{"Release", "Value"}, rows, nil))

	if len(r.Files) == 0 {
		return
	}
	reused := make(map[string]bool, len(r.Reused))
	for _, p := range r.Reused {
		reused[p] = true
	}
	fileRows := make([][]string, 0, len(r.Files))
	for _, f := range r.Files {
		state := "uploaded"
		switch {
		case f.Err != nil:
			state = "failed: " + f.Err.Error()
		case reused[f.LocalPath]:
			state = "already present"
		case f.RemoteID == 0:
			state = "skipped"
		}
		id := "-"
		if f.RemoteID > 0 {
			id = strconv.Itoa(f.RemoteID)
		}
		fileRows = append(fileRows, []string{
			f.DisplayName,
			humanize.Bytes(uint64(f.SizeKB * 1024)),
			id,
			shortHash(f.BLAKE3),
			state,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"File", "Size", "Remote ID", "BLAKE3", "State"},
		fileRows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return dash(h)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
