// Package cli wires the extractd command tree: the serve command runs the
// job service, the remaining commands are thin gRPC clients.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/files"
	"github.com/joseph-ayodele/extraction-bench/internal/server"
)

const defaultAddr = "localhost:8080"

// Dialer opens a connection to the job service.
type Dialer func(addr string) (grpc.ClientConnInterface, io.Closer, error)

func dialInsecure(addr string) (grpc.ClientConnInterface, io.Closer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return conn, conn, nil
}

type app struct {
	addr    string
	timeout time.Duration
	dial    Dialer
}

// BuildCLI returns the root command. A nil dial uses an insecure gRPC
// connection to --addr.
func BuildCLI(dial Dialer) *cobra.Command {
	if dial == nil {
		dial = dialInsecure
	}
	a := &app{dial: dial}

	root := &cobra.Command{
		Use:           "extractd",
		Short:         "Run and query invoice extraction jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addr := os.Getenv("EXTRACTD_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&a.addr, "addr", addr, "job service address")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 15*time.Minute, "client call timeout")

	root.AddCommand(
		buildServeCommand(),
		a.buildSubmitCommand(),
		a.buildGetCommand(),
		a.buildListCommand(),
		a.buildDeleteCommand(),
		a.buildExportCommand(),
		buildFilesCommand(),
	)
	return root
}

// withClient runs fn against a connected client under the call timeout.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	conn, closer, err := a.dial(a.addr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func (a *app) buildSubmitCommand() *cobra.Command {
	var (
		upload   string
		filename string
		targetID string
		metadata string
		async    bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a document to a target",
		Long: "Submit runs an extraction job. With --upload the local file is sent " +
			"along with the request; otherwise --filename must already exist on the server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := server.SubmitRequest{Filename: filename, TargetID: targetID}
			if upload != "" {
				data, err := os.ReadFile(upload)
				if err != nil {
					return fmt.Errorf("read upload: %w", err)
				}
				req.Content = data
				if req.Filename == "" {
					req.Filename = filepath.Base(upload)
				}
			}
			if req.Filename == "" {
				return common.NewValidationError("filename", "", "is required (use --filename or --upload)")
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return common.NewValidationError("metadata", metadata, "must be valid JSON")
				}
				req.Metadata = json.RawMessage(metadata)
			}
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				call := c.SubmitJob
				if async {
					call = c.StartJob
				}
				job, err := call(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	cmd.Flags().StringVarP(&upload, "upload", "u", "", "local file to upload")
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "document name in the upload directory")
	cmd.Flags().StringVarP(&targetID, "target", "t", "", "target id")
	cmd.Flags().StringVarP(&metadata, "metadata", "m", "", "caller metadata as a JSON object")
	cmd.Flags().BoolVar(&async, "async", false, "return once the job is recorded")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (a *app) buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func (a *app) buildListCommand() *cobra.Command {
	var filename string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListJobs(ctx, filename)
				if err != nil {
					return err
				}
				if jobs == nil {
					jobs = []*entity.ProcessingJob{}
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "only jobs for this document")
	return cmd
}

func (a *app) buildDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ok, err := c.DeleteJob(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "job %s not found\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) buildExportCommand() *cobra.Command {
	var (
		filename string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export jobs as an XLSX workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				data, err := c.ExportJobs(ctx, filename)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "only jobs for this document, plus a comparison sheet")
	cmd.Flags().StringVarP(&out, "out", "o", "jobs.xlsx", "output path")
	return cmd
}

func buildFilesCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List documents in the local upload directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				loadDotEnv()
				dir = common.LoadConfig().Storage.UploadDir
			}
			names, err := files.NewDirSource(dir, nil).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "upload directory (defaults to UPLOAD_DIR)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
