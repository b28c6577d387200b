package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/scraper"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scraping jobs from the command line.",
	}
	cmd.AddCommand(
		newJobCreateCmd(),
		newJobTransitionCmd("start", "Queue a job for processing.", func(a *app) transitionFunc { return a.jobs.StartJob }),
		newJobTransitionCmd("pause", "Pause a running job.", func(a *app) transitionFunc { return a.jobs.PauseJob }),
		newJobTransitionCmd("cancel", "Cancel a job.", func(a *app) transitionFunc { return a.jobs.CancelJob }),
		newJobStatusCmd(),
		newJobListCmd(),
		newJobExportCmd(),
	)
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var name, createdBy, file string

	cmd := &cobra.Command{
		Use:   "create [urls...]",
		Short: "Create a job from URLs given as arguments or via --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			urls := args
			if file != "" {
				fromFile, err := readURLFile(file)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}

			job, report, err := a.jobs.CreateJob(ctx, name, createdBy, urls, nil)
			if err != nil {
				return err
			}
			fmt.Printf("job %d created: %d submitted, %d accepted, %d skipped\n",
				job.ID, report.Submitted, report.Accepted, report.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "submitter recorded on the job")
	cmd.Flags().StringVar(&file, "file", "", "file with one URL per line")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

type transitionFunc = func(ctx context.Context, id int64) error

func newJobTransitionCmd(verb, short string, pick func(*app) transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := pick(a)(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("job %d: %s requested\n", id, verb)
			return nil
		},
	}
}

func newJobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's durable state and live progress as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			details, err := a.jobs.JobDetails(cmd.Context(), id)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(details, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newJobListCmd() *cobra.Command {
	var limit, offset int
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs newest-first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			jobs, total, err := a.jobs.ListJobs(cmd.Context(), scraper.JobStatus(status), limit, offset)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%d\t%s\t%s\t%d/%d urls\t%d emails\n",
					j.ID, j.Status, j.Name, j.ProcessedURLs, j.TotalURLs, j.TotalEmailsFound)
			}
			fmt.Printf("%d of %d jobs\n", len(jobs), total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, paused, completed, cancelled)")
	return cmd
}

func newJobExportCmd() *cobra.Command {
	var format, out string

	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a job's emails as an xlsx workbook or CSV file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			payload, filename, err := a.jobs.ExportEmails(cmd.Context(), id, format)
			if err != nil {
				return err
			}
			if out == "" {
				out = filename
			}
			if err := os.WriteFile(out, payload, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(payload))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", jobmanager.FormatXLSX, "xlsx or csv")
	cmd.Flags().StringVar(&out, "out", "", "output path (defaults to the generated filename)")
	return cmd
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
