package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/models"

	"github.com/spf13/cobra"
)

var listUserFlag string

// listCmd groups the read-only listing commands
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List models, drafts, images and tags on the platform",
}

var listModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List published models of a user (default: the session owner)",
	Args:  cobra.NoArgs,
	RunE:  runListModels,
}

var listDraftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "List the session owner's draft models",
	Args:  cobra.NoArgs,
	RunE:  runListDrafts,
}

var listImagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images posted by a user (default: the session owner)",
	Args:  cobra.NoArgs,
	RunE:  runListImages,
}

var listPostCmd = &cobra.Command{
	Use:   "post <postID>",
	Short: "List the images of a post",
	Args:  cobra.ExactArgs(1),
	RunE:  runListPost,
}

var listTagsCmd = &cobra.Command{
	Use:   "tags <query>",
	Short: "Search model tags",
	Args:  cobra.ExactArgs(1),
	RunE:  runListTags,
}

var listVAEsCmd = &cobra.Command{
	Use:   "vaes",
	Short: "List the VAE versions a model version can reference",
	Args:  cobra.NoArgs,
	RunE:  runListVAEs,
}

func init() {
	rootCmd.AddCommand(listCmd)
	for _, c := range []*cobra.Command{listModelsCmd, listDraftsCmd, listImagesCmd, listPostCmd, listTagsCmd} {
		addListFlags(c)
		listCmd.AddCommand(c)
	}
	listCmd.AddCommand(listVAEsCmd)
	listModelsCmd.Flags().StringVarP(&listUserFlag, "user", "u", "", "Username to list")
	listImagesCmd.Flags().StringVarP(&listUserFlag, "user", "u", "", "Username to list")
}

func iterOptions() api.IterOptions {
	return api.IterOptions{MaxPages: globalConfig.List.MaxPages, MaxEmptyPages: globalConfig.List.MaxEmptyPages}
}

// listUser returns --user or the username behind the session.
func listUser(ctx context.Context) (*api.Client, string, error) {
	store, err := newSessionStore(ctx)
	if err != nil {
		return nil, "", err
	}
	client := clientFor(store)
	if listUserFlag != "" {
		return client, listUserFlag, nil
	}
	who, err := store.WhoAmI(ctx)
	if err != nil {
		return nil, "", err
	}
	return client, who.Username, nil
}

func modelRows(ctx context.Context, it *api.Iterator[models.ModelSummary]) ([][]string, error) {
	var rows [][]string
	for m, err := range it.All(ctx) {
		if err != nil {
			return rows, err
		}
		published := "-"
		if m.PublishedAt != nil {
			published = m.PublishedAt.Format(time.DateOnly)
		}
		rows = append(rows, []string{strconv.Itoa(m.ID), m.Name, m.Type, m.Status, published})
	}
	return rows, nil
}

func printModels(cmd *cobra.Command, rows [][]string, err error) error {
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Name", "Type", "Status", "Published"},
		rows,
		[]columnAlignment{alignRight},
	))
	return err
}

func runListModels(cmd *cobra.Command, args []string) error {
	client, user, err := listUser(cmd.Context())
	if err != nil {
		return err
	}
	rows, err := modelRows(cmd.Context(), client.ModelsOfUser(user, iterOptions()))
	return printModels(cmd, rows, err)
}

func runListDrafts(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd.Context())
	if err != nil {
		return err
	}
	rows, err := modelRows(cmd.Context(), client.DraftModels(globalConfig.List.Limit, iterOptions()))
	return printModels(cmd, rows, err)
}

func imageRows(ctx context.Context, it *api.Iterator[models.ImageSummary]) ([][]string, error) {
	var rows [][]string
	for img, err := range it.All(ctx) {
		if err != nil {
			return rows, err
		}
		created := "-"
		if img.CreatedAt != nil {
			created = img.CreatedAt.Format(time.DateOnly)
		}
		rows = append(rows, []string{
			strconv.Itoa(img.ID),
			strconv.Itoa(img.PostID),
			dash(img.Name),
			fmt.Sprintf("%dx%d", img.Width, img.Height),
			created,
		})
	}
	return rows, nil
}

func printImageRows(cmd *cobra.Command, rows [][]string, err error) error {
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Post", "Name", "Size", "Created"},
		rows,
		[]columnAlignment{alignRight, alignRight},
	))
	return err
}

func runListImages(cmd *cobra.Command, args []string) error {
	client, user, err := listUser(cmd.Context())
	if err != nil {
		return err
	}
	rows, err := imageRows(cmd.Context(), client.ImagesOfUser(user, iterOptions()))
	return printImageRows(cmd, rows, err)
}

func runListPost(cmd *cobra.Command, args []string) error {
	postID, err := parseID("postId", args[0])
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd.Context())
	if err != nil {
		return err
	}
	rows, err := imageRows(cmd.Context(), client.PostImages(postID, iterOptions()))
	return printImageRows(cmd, rows, err)
}

func runListTags(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd.Context())
	if err != nil {
		return err
	}
	tags, err := client.ModelTags(args[0], iterOptions()).Collect(cmd.Context())
	rows := make([][]string, 0, len(tags))
	for _, t := range tags {
		rows = append(rows, []string{strconv.Itoa(t.ID), t.Name})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Tag"}, rows, []columnAlignment{alignRight}))
	return err
}

func runListVAEs(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd.Context())
	if err != nil {
		return err
	}
	vaes, err := client.VAEVersions(cmd.Context())
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(vaes))
	for _, v := range vaes {
		rows = append(rows, []string{strconv.Itoa(v.ID), v.ModelName, v.Name})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Model", "Version"}, rows, []columnAlignment{alignRight}))
	return nil
}
