package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
)

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Lists the sites of the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, client, err := connect(cmd)
			if err != nil {
				return err
			}
			sites, err := client.Sites(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sites)
		},
	}
}

func newJobsCmd() *cobra.Command {
	var (
		site string
		page int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Lists one page of jobs at a site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if page < 1 {
				return fmt.Errorf("page must be >= 1")
			}
			rt, client, err := connect(cmd)
			if err != nil {
				return err
			}
			if site == "" {
				site = rt.cfg.Unicore.DefaultSite
			}
			jobs, message, err := client.ListJobs(cmd.Context(), site, page-1)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"jobs": jobs, "message": message})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site name (defaults to unicore.default_site)")
	cmd.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-url>",
		Short: "Aborts a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := connect(cmd)
			if err != nil {
				return err
			}
			cancelled, job, err := client.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !cancelled {
				return fmt.Errorf("%s", bridge.NotCancelledMessage)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newOutputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outputs <job-url>",
		Short: "Lists the working directory of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := connect(cmd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), client.ListOutputs(cmd.Context(), args[0]))
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download <job-url> <file>",
		Short: "Downloads a job output to local disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := connect(cmd)
			if err != nil {
				return err
			}
			message, err := client.DownloadFile(cmd.Context(), args[0], args[1], dest)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"message": message})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "local destination (defaults to the file name)")
	return cmd
}

func newStreamCmd() *cobra.Command {
	var offset, size int64
	cmd := &cobra.Command{
		Use:   "stream <job-url> <file>",
		Short: "Writes a byte range of a job output to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := connect(cmd)
			if err != nil {
				return err
			}
			rc, err := client.StreamFile(cmd.Context(), args[0], args[1], offset, size)
			if err != nil {
				return err
			}
			defer func() {
				_ = rc.Close()
			}()
			if _, err := io.Copy(cmd.OutOrStdout(), rc); err != nil {
				return fmt.Errorf("stream %s: %w", args[1], err)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&size, "size", -1, "bytes to read, -1 for the rest of the file")
	return cmd
}
