package cmd

import (
	"go-civitai-publisher/internal/config"

	"github.com/spf13/cobra"
)

// Flags shared by the upload, publish and list commands. They are only
// registered on the commands that use them.
var (
	uploadConcurrencyFlag int
	imageConcurrencyFlag  int
	transferTimeoutFlag   int
	namePatternFlag       string
	noBlurhashFlag        bool
	baseModelFlag         string
	publishPostFlag       bool
	listLimitFlag         int
	listMaxPagesFlag      int
)

func addUploadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&uploadConcurrencyFlag, "concurrency", "c", 0, "Parallel file uploads (overrides config)")
	cmd.Flags().IntVar(&imageConcurrencyFlag, "image-concurrency", 0, "Parallel image uploads (overrides config)")
	cmd.Flags().IntVar(&transferTimeoutFlag, "transfer-timeout", 0, "Per-file transfer timeout in seconds, 0 disables (overrides config)")
	cmd.Flags().StringVar(&namePatternFlag, "name-pattern", "", "Remote file name pattern, e.g. {modelName}_{versionName} (overrides config)")
	cmd.Flags().BoolVar(&noBlurhashFlag, "no-blurhash", false, "Skip blurhash computation for version images")
}

func addPublishFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&baseModelFlag, "base-model", "", "Base model for versions that do not name one (overrides config)")
	cmd.Flags().BoolVar(&publishPostFlag, "publish-post", false, "Publish the image post together with the model")
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&listLimitFlag, "limit", "l", 0, "Page size (overrides config)")
	cmd.Flags().IntVarP(&listMaxPagesFlag, "max-pages", "p", 0, "Stop after this many pages, 0 for all (overrides config)")
}

func uploadFlags(changed func(string) bool) *config.CliUploadFlags {
	f := &config.CliUploadFlags{}
	if changed("concurrency") {
		f.Concurrency = &uploadConcurrencyFlag
	}
	if changed("image-concurrency") {
		f.ImageConcurrency = &imageConcurrencyFlag
	}
	if changed("transfer-timeout") {
		f.TransferTimeoutSec = &transferTimeoutFlag
	}
	if changed("name-pattern") {
		f.FileNamePattern = &namePatternFlag
	}
	if changed("no-blurhash") {
		f.SkipBlurhash = &noBlurhashFlag
	}
	return f
}

func publishFlags(changed func(string) bool) *config.CliPublishFlags {
	f := &config.CliPublishFlags{}
	if changed("base-model") {
		f.DefaultBaseModel = &baseModelFlag
	}
	if changed("publish-post") {
		f.PublishPost = &publishPostFlag
	}
	return f
}

func listFlags(changed func(string) bool) *config.CliListFlags {
	f := &config.CliListFlags{}
	if changed("limit") {
		f.Limit = &listLimitFlag
	}
	if changed("max-pages") {
		f.MaxPages = &listMaxPagesFlag
	}
	return f
}
