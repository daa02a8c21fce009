package cmd

import (
	"fmt"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"

	"github.com/spf13/cobra"
)

var associateClearFlag bool

// associateCmd replaces the suggested resources of a model
var associateCmd = &cobra.Command{
	Use:   "associate <modelID> [resourceModelID]...",
	Short: "Set the resources a model suggests to use with it",
	Long: `Replaces the suggested resources of a model with the given models, in order.
Duplicates are dropped. Use --clear to remove every suggestion.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAssociate,
}

func init() {
	rootCmd.AddCommand(associateCmd)
	associateCmd.Flags().BoolVar(&associateClearFlag, "clear", false, "Remove all suggested resources")
}

func runAssociate(cmd *cobra.Command, args []string) error {
	modelID, err := parseID("modelId", args[0])
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := parseID("resources", arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	switch {
	case associateClearFlag && len(ids) > 0:
		return errdefs.Validation("resources", "--clear takes no resource ids")
	case !associateClearFlag && len(ids) == 0:
		return errdefs.Validation("resources", "no resource ids given, use --clear to remove all suggestions")
	}

	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	if err := pub.SetAssociations(cmd.Context(), modelID, ids); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Model %d suggests %v\n", modelID, helpers.UniqueInts(ids))
	return nil
}
