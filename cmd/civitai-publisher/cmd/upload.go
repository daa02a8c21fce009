package cmd

import (
	"fmt"
	"os"
	"strconv"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	uploadFileTypeFlag  string
	uploadFileNameFlag  string
	uploadImageTagsFlag []string
	uploadImageNsfwFlag bool
	imageWidthFlag      int
)

// uploadCmd groups the low-level upload commands
var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload files or images to an existing version",
	Long: `Low-level uploads that do not touch the ledger. Use 'publish' with a manifest
for resumable releases.`,
}

var uploadFilesCmd = &cobra.Command{
	Use:   "files <versionID> <path>...",
	Short: "Upload model files to a version",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runUploadFiles,
}

var uploadImagesCmd = &cobra.Command{
	Use:   "images <versionID> <path>...",
	Short: "Upload sample images into a new post of a version",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runUploadImages,
}

var uploadImageCmd = &cobra.Command{
	Use:   "image <path>...",
	Short: "Upload standalone images and print markdown embeds for descriptions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUploadImage,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.AddCommand(uploadFilesCmd)
	uploadCmd.AddCommand(uploadImagesCmd)
	uploadCmd.AddCommand(uploadImageCmd)

	addUploadFlags(uploadFilesCmd)
	uploadFilesCmd.Flags().StringVarP(&uploadFileTypeFlag, "type", "t", "Model", "Platform file type (Model, Training Data, Config, ...)")
	uploadFilesCmd.Flags().StringVarP(&uploadFileNameFlag, "name", "n", "", "Remote file name (only with a single path)")

	addUploadFlags(uploadImagesCmd)
	uploadImagesCmd.Flags().StringSliceVar(&uploadImageTagsFlag, "tag", nil, "Tag to add to the post (repeatable)")
	uploadImagesCmd.Flags().BoolVar(&uploadImageNsfwFlag, "nsfw", false, "Mark the images as mature content")

	uploadImageCmd.Flags().IntVarP(&imageWidthFlag, "width", "w", 525, "Width of the embedded image variant")
}

func parseID(kind, arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, errdefs.Validation(kind, "%q is not a valid id", arg)
	}
	return id, nil
}

func runUploadFiles(cmd *cobra.Command, args []string) error {
	versionID, err := parseID("versionId", args[0])
	if err != nil {
		return err
	}
	paths := args[1:]
	if uploadFileNameFlag != "" && len(paths) != 1 {
		return errdefs.Validation("name", "--name needs exactly one file, got %d", len(paths))
	}
	specs := make([]models.FileSpec, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return errdefs.Validation("path", "%v", err)
		}
		specs = append(specs, models.FileSpec{Path: p, DisplayName: uploadFileNameFlag, Type: uploadFileTypeFlag})
	}

	var board *progressBoard
	if isTerminal(os.Stdout) {
		board = newProgressBoard(nil)
		board.Start()
	}
	pub, err := newPublisher(cmd.Context(), trackerOrNil(board))
	if err != nil {
		if board != nil {
			board.Stop()
		}
		return err
	}
	uploaded, uploadErr := pub.UploadFiles(cmd.Context(), versionID, specs)
	if board != nil {
		board.Stop()
	}

	rows := make([][]string, 0, len(uploaded))
	for _, f := range uploaded {
		state := "uploaded"
		if f.Err != nil {
			state = "failed: " + f.Err.Error()
		}
		rows = append(rows, []string{f.DisplayName, humanize.Bytes(uint64(f.SizeKB * 1024)), strconv.Itoa(f.RemoteID), shortHash(f.BLAKE3), state})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"File", "Size", "Remote ID", "BLAKE3", "State"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
	return uploadErr
}

func imageSpecs(paths []string) ([]models.ImageSpec, error) {
	specs := make([]models.ImageSpec, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, errdefs.Validation("path", "%v", err)
		}
		specs = append(specs, models.ImageSpec{Path: p})
	}
	return specs, nil
}

func runUploadImages(cmd *cobra.Command, args []string) error {
	versionID, err := parseID("versionId", args[0])
	if err != nil {
		return err
	}
	specs, err := imageSpecs(args[1:])
	if err != nil {
		return err
	}
	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	result, uploadErr := pub.UploadImages(cmd.Context(), versionID, specs, uploadImageTagsFlag, uploadImageNsfwFlag)
	printImages(cmd, result.Images)
	if result.PostID > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Post %d (unpublished, use 'release post %d' to publish it)\n", result.PostID, result.PostID)
	}
	return uploadErr
}

func runUploadImage(cmd *cobra.Command, args []string) error {
	specs, err := imageSpecs(args)
	if err != nil {
		return err
	}
	pub, err := newPublisher(cmd.Context(), nil)
	if err != nil {
		return err
	}
	var failed []models.UploadedImage
	for _, spec := range specs {
		img, err := pub.UploadImage(cmd.Context(), spec.Path)
		if err != nil {
			img.LocalPath, img.Err = spec.Path, err
			failed = append(failed, img)
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), img.Markdown(imageWidthFlag))
	}
	if len(failed) > 0 {
		printImages(cmd, failed)
		return fmt.Errorf("%d of %d image(s) failed", len(failed), len(specs))
	}
	return nil
}

func printImages(cmd *cobra.Command, images []models.UploadedImage) {
	rows := make([][]string, 0, len(images))
	for _, img := range images {
		state := "stored"
		if img.Err != nil {
			state = "failed: " + img.Err.Error()
		}
		size := "-"
		if img.Width > 0 {
			size = fmt.Sprintf("%dx%d", img.Width, img.Height)
		}
		rows = append(rows, []string{img.LocalPath, dash(img.ID), size, state})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Image", "Key", "Size", "State"}, rows, nil))
}
