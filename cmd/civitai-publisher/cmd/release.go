package cmd

import (
	"fmt"
	"time"

	"go-civitai-publisher/internal/models"

	"github.com/spf13/cobra"
)

var releaseAtFlag string

// releaseCmd groups the publish state machine commands
var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Publish or schedule models, versions and posts",
	Long: `Makes a draft visible, now or at a later time given with --at (RFC 3339 or a
duration from now such as 48h). A scheduled release can be moved by releasing
it again with a different time.`,
}

var releaseModelCmd = &cobra.Command{
	Use:   "model <modelID> <versionID>",
	Short: "Publish a draft model together with its first version",
	Args:  cobra.ExactArgs(2),
	RunE:  runReleaseModel,
}

var releaseVersionCmd = &cobra.Command{
	Use:   "version <versionID>",
	Short: "Publish a new version of an already published model",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleaseVersion,
}

var releasePostCmd = &cobra.Command{
	Use:   "post <postID>",
	Short: "Publish an image post",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleasePost,
}

var releaseStatusCmd = &cobra.Command{
	Use:   "status <modelID>",
	Short: "Print the publish state of a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleaseStatus,
}

func init() {
	rootCmd.AddCommand(releaseCmd)
	for _, c := range []*cobra.Command{releaseModelCmd, releaseVersionCmd, releasePostCmd} {
		c.Flags().StringVar(&releaseAtFlag, "at", "", "Publish time, RFC 3339 or a duration from now (default: now)")
		releaseCmd.AddCommand(c)
	}
	releaseCmd.AddCommand(releaseStatusCmd)
}

func runReleaseModel(cmd *cobra.Command, args []string) error {
	modelID, err := parseID("modelId", args[0])
	if err != nil {
		return err
	}
	versionID, err := parseID("versionId", args[1])
	if err != nil {
		return err
	}
	at, err := parseAt(releaseAtFlag, time.Now())
	if err != nil {
		return err
	}
	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	result, err := pub.PublishModel(cmd.Context(), modelID, versionID, at)
	if err != nil {
		return err
	}
	printPublishResult(cmd, result)
	return nil
}

func runReleaseVersion(cmd *cobra.Command, args []string) error {
	versionID, err := parseID("versionId", args[0])
	if err != nil {
		return err
	}
	at, err := parseAt(releaseAtFlag, time.Now())
	if err != nil {
		return err
	}
	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	result, err := pub.PublishVersion(cmd.Context(), versionID, at)
	if err != nil {
		return err
	}
	printPublishResult(cmd, result)
	return nil
}

func runReleasePost(cmd *cobra.Command, args []string) error {
	postID, err := parseID("postId", args[0])
	if err != nil {
		return err
	}
	at, err := parseAt(releaseAtFlag, time.Now())
	if err != nil {
		return err
	}
	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	if err := pub.PublishPost(cmd.Context(), postID, at); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Post %d published\n", postID)
	return nil
}

func runReleaseStatus(cmd *cobra.Command, args []string) error {
	modelID, err := parseID("modelId", args[0])
	if err != nil {
		return err
	}
	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	state, err := pub.ModelState(cmd.Context(), modelID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Model %d: %s\n", modelID, state)
	return nil
}

func printPublishResult(cmd *cobra.Command, r models.PublishResult) {
	subject := fmt.Sprintf("Model %d", r.ModelID)
	if r.Target == models.TargetVersion {
		subject = fmt.Sprintf("Version %d of model %d", r.VersionID, r.ModelID)
	}
	if r.State == models.StateScheduled && r.PublishAt != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s scheduled for %s\n", subject, r.PublishAt.Format(time.RFC3339))
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", subject, r.State)
}
