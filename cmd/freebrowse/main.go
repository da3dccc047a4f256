package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"freebrowse/internal/models"
	"freebrowse/pkg/config"
	"freebrowse/pkg/engine/headless"
	"freebrowse/pkg/remote"
	"freebrowse/pkg/server"
	"freebrowse/pkg/session"
	"freebrowse/pkg/visualization"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "freebrowse",
		Short: "Volumetric image viewer backend and session tools",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.Getenv); err != nil {
				return err
			}
			return setupLogging(cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(cfg *config.Config) error {
	log.SetFormatter(&prefixed.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	log.SetOutput(os.Stderr)

	level := cfg.Output.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return nil
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the persistence backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			srv := server.New(cfg, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(cfg.Server.Addr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// openSession loads ref into a session over a headless engine. ref is a URL or
// backend path of a document, or a local document or volume file.
func openSession(ctx context.Context, ref string) (*session.Controller, *headless.Engine, error) {
	client := remote.NewClient(cfg.Client.BaseURL, remote.WithTimeout(cfg.Client.Timeout))
	eng := headless.New(client.HTTPClient())
	eng.Attach()
	c := session.New(session.Params{Engine: eng, Client: client, Config: cfg})

	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "data/") {
		item := models.FileItem{Filename: path.Base(ref), URL: ref}
		if err := c.LoadDocumentFile(ctx, item); err != nil {
			c.Close()
			return nil, nil, err
		}
		return c, eng, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	if err := c.LoadUploads(ctx, []session.Upload{{Name: filepath.Base(ref), Data: data}}); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, eng, nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <document|volume>",
		Short: "Load a document or volume and print the resulting session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			data, err := json.Marshal(c.Snapshot())
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(pretty.Pretty(data))
			return err
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	var (
		outDir string
		view   string
		volume int
		frame  int
	)
	cmd := &cobra.Command{
		Use:   "snapshot <document|volume>",
		Short: "Render every slice of one volume to JPEG files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			axis, ok := visualization.AxisFor(models.ViewMode(view))
			if !ok {
				return fmt.Errorf("view %q has no single slicing axis", view)
			}

			c, eng, err := openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			vols := eng.Volumes()
			if volume < 0 || volume >= len(vols) {
				return fmt.Errorf("volume %d out of range, %d loaded", volume, len(vols))
			}
			c.SetFrame(float64(frame))

			viewer, err := visualization.NewViewer(vols[volume])
			if err != nil {
				return err
			}
			n, err := viewer.SaveSliceSequence(axis, outDir)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{"slices": n, "dir": outDir, "axis": axis}).Info("Slices written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "slices", "output directory")
	cmd.Flags().StringVar(&view, "view", string(models.ViewAxial), "axial, coronal or sagittal")
	cmd.Flags().IntVar(&volume, "volume", 0, "index of the volume to render")
	cmd.Flags().IntVar(&frame, "frame", 0, "4D frame to render")
	return cmd
}

func newListCmd() *cobra.Command {
	var imaging bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "Browse the documents or imaging files of a backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := "/nvd"
			if imaging {
				endpoint = "/imaging"
			}
			var store remote.PathStore
			if cfg.Client.PathStoreFile != "" {
				store = remote.NewFilePathStore(cfg.Client.PathStoreFile)
			}

			client := remote.NewClient(cfg.Client.BaseURL, remote.WithTimeout(cfg.Client.Timeout))
			lister := remote.NewLister(client, endpoint, store)
			defer lister.Close()

			var (
				listing models.DirectoryListing
				err     error
			)
			if len(args) == 1 {
				listing, err = lister.NavigateTo(cmd.Context(), args[0])
			} else {
				listing, err = lister.Refresh(cmd.Context())
			}
			var te *remote.TransportError
			if errors.As(err, &te) && te.NotFound() {
				log.Warn("Remembered directory no longer exists, listing the root")
				listing, err = lister.Refresh(cmd.Context())
			}
			if err != nil {
				return err
			}

			crumbs := make([]string, 0)
			for _, b := range lister.Breadcrumbs() {
				crumbs = append(crumbs, b.Label)
			}
			fmt.Println(strings.Join(crumbs, " / "))
			for _, d := range listing.Directories {
				fmt.Printf("  %s/\n", d.Name)
			}
			for _, f := range listing.Files {
				fmt.Printf("  %s\t%s\n", f.Filename, f.URL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&imaging, "imaging", false, "list imaging files instead of documents")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "freebrowse.yaml"
			if len(args) == 1 {
				target = args[0]
			}
			if err := config.CreateDefaultConfigFile(target); err != nil {
				return err
			}
			log.WithField("file", target).Info("Configuration written")
			return nil
		},
	})
	return cmd
}
