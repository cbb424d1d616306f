package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"intake/internal/bundle"
	"intake/internal/client"
)

var Version = "dev"

type globalFlags struct {
	server string
	token  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "intakectl",
		Short:         "Upload files to the intake service and inspect their status",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&flags.server, "server", envOr("INTAKE_SERVER", "http://localhost:8080"), "intake server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("INTAKE_TOKEN"), "operator bearer token")

	rootCmd.AddCommand(uploadCmd(flags))
	rootCmd.AddCommand(statusCmd(flags))
	rootCmd.AddCommand(deleteCmd(flags))
	rootCmd.AddCommand(typesCmd(flags))

	return rootCmd
}

func (f *globalFlags) client() *client.Client {
	return client.New(f.server, client.WithToken(f.token))
}

func uploadCmd(flags *globalFlags) *cobra.Command {
	var name, email, company, description string

	cmd := &cobra.Command{
		Use:   "upload <paths...>",
		Short: "Upload a file, or bundle several files or directories into a zip and upload it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			c := flags.client()

			parsed, err := bundle.ParseArgs(args)
			if err != nil {
				return err
			}

			allowed, err := c.AllowedTypes(ctx)
			if err != nil {
				return fmt.Errorf("fetch allowed types: %w", err)
			}

			art, err := bundle.Prepare(parsed, allowed.ByExtension())
			if err != nil {
				return err
			}
			defer art.Cleanup()

			if limit := allowed.MaxSizeMB << 20; allowed.MaxSizeMB > 0 && art.Size > limit {
				return fmt.Errorf("%s is %d bytes, server accepts at most %d MB", art.Name, art.Size, allowed.MaxSizeMB)
			}

			slot, err := c.RequestUpload(ctx, client.UploadRequest{
				Filename:    art.Name,
				ContentType: art.ContentType,
				Size:        art.Size,
				Name:        name,
				Email:       email,
				Company:     company,
				Description: description,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Upload slot %s issued\n", slot.UploadID)

			f, err := os.Open(art.Path)
			if err != nil {
				return fmt.Errorf("open %s: %w", art.Path, err)
			}
			defer f.Close()

			if err := c.UploadFile(ctx, slot, art.Name, f, art.Size); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Uploaded %s (%d bytes)\n", art.Name, art.Size)

			done, err := c.Complete(ctx, slot.UploadID, slot.ObjectKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Upload %s is %s\n", done.UploadID, done.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.Flags().StringVar(&email, "email", "", "contact email for notifications")
	cmd.Flags().StringVar(&company, "company", "", "company")
	cmd.Flags().StringVar(&description, "description", "", "what the upload contains")

	return cmd
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show an upload's status and analysis summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := flags.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Upload:   %s\n", st.UploadID)
			fmt.Fprintf(out, "File:     %s (%s, %d bytes)\n", st.Filename, st.ContentType, st.Size)
			fmt.Fprintf(out, "Status:   %s\n", st.Status)
			fmt.Fprintf(out, "Updated:  %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
			if st.Error != nil {
				fmt.Fprintf(out, "Error:    %s\n", *st.Error)
			}
			if st.Analysis != nil {
				fmt.Fprintf(out, "Summary:  %s\n", st.Analysis.Summary)
				fmt.Fprintf(out, "Report:   %s\n", st.Analysis.ReportKey)
			}
			return nil
		},
	}
}

func deleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an upload and its stored objects (operator token required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s\n", args[0])
			return nil
		},
	}
}

func typesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List accepted file extensions and the size limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed, err := flags.client().AllowedTypes(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Max size: %d MB\n", allowed.MaxSizeMB)
			byExt := allowed.ByExtension()
			exts := make([]string, 0, len(byExt))
			for ext := range byExt {
				exts = append(exts, ext)
			}
			sort.Strings(exts)
			for _, ext := range exts {
				fmt.Fprintf(out, "  .%-6s %s\n", ext, strings.Join(byExt[ext], ", "))
			}
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
