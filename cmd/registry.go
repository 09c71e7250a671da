package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/facetrack/internal/database"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage the enrolled roster",
	Long: `Commands for the identity registry built from the reference images in
the faces directory (<id>_<Name>.jpg).`,
}

var registryBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Encode every reference image and rewrite the snapshot",
	Long: `Encode every reference image in the faces directory, ignoring the cached
snapshot, and write a fresh face_encodings.cbor.

Examples:
  # Rebuild after adding new photos
  facetrack registry build

  # Use more parallel requests to the embedding server
  facetrack registry build --concurrency 8`,
	RunE: runRegistryBuild,
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	RunE:  runRegistryList,
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryBuildCmd)
	registryCmd.AddCommand(registryListCmd)

	registryBuildCmd.Flags().Int("concurrency", 4, "Number of parallel encoding requests")
}

func runRegistryBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Encoding faces"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("images"),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
		}
		bar.Set(done)
	}

	cfg.Registry.Concurrency = mustGetInt(cmd, "concurrency")
	p, err := openPipeline(cfg, progress)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.registry.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuilding registry: %w", err)
	}
	if bar != nil {
		bar.Finish()
	}
	fmt.Printf("\nEncoded %d identities into %s\n", p.registry.Len(), cfg.Registry.FacesDir)

	if mirror, ok := p.store.(database.IdentityMirror); ok {
		if err := mirror.SaveIdentities(ctx, p.registry.Identities()); err != nil {
			return fmt.Errorf("mirroring identities: %w", err)
		}
		fmt.Printf("Mirrored identities to the %s store\n", cfg.Store.Driver)
	}
	return nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := openPipeline(cfg, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	p.loadRegistry(context.Background())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDIM")
	for _, id := range p.registry.Identities() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", id.ID, id.DisplayName, len(id.Embedding))
	}
	return w.Flush()
}
