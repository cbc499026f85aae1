package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/PowerDNS/chronotrace/trace"
)

func init() {
	rootCmd.AddCommand(tracesCmd)

	tracesCmd.AddCommand(tracesListCmd)
	tracesListCmd.Flags().BoolP("long", "l", false, "Add extra information, like size and creation time")
	tracesListCmd.Flags().IntP("limit", "n", 0, "Only list the N most recent traces")

	tracesCmd.AddCommand(tracesShowCmd)
	tracesShowCmd.Flags().Bool("json", false, "Output the full bundle as JSON")

	tracesCmd.AddCommand(tracesGetCmd)
	tracesGetCmd.Flags().StringP("output", "o", "",
		"Output filename, if not the same as the remote name")

	tracesCmd.AddCommand(tracesRemoveCmd)

	tracesCmd.AddCommand(tracesPurgeCmd)
	tracesPurgeCmd.Flags().Int("days", 0, "Remove traces older than this many days, default retention_days")
	tracesPurgeCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Stored trace operations (list, show, get, remove, purge)",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var tracesListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List traces, most recent first",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(rootCtx, time.Minute)
		defer cancel()

		long, err := cmd.Flags().GetBool("long")
		if err != nil {
			return err
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		list, err := s.List(ctx)
		if err != nil {
			return err
		}
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		for _, sum := range list {
			if long {
				fmt.Printf("%s\t%10s\t%s\t%s\n",
					sum.CreatedAt.UTC().Format(time.RFC3339),
					datasize.ByteSize(sum.Size).HR(),
					sum.TraceID,
					sum.Path)
			} else {
				fmt.Printf("%s\n", sum.TraceID)
			}
		}
		return nil
	},
}

var tracesShowCmd = &cobra.Command{
	Use:          "show <trace-id|path>",
	Short:        "Show the contents of a trace",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(rootCtx, time.Minute)
		defer cancel()

		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		b, err := s.Retrieve(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			data, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Printf("%s\n", data)
			return err
		}
		return writeBundle(os.Stdout, b)
	},
}

// writeBundle prints a human readable overview of a trace
func writeBundle(w io.Writer, b *trace.Bundle) error {
	bw := bufio.NewWriter(w)
	p := func(format string, a ...any) {
		_, _ = fmt.Fprintf(bw, format, a...)
	}

	p("Trace:       %s\n", b.TraceID)
	p("Captured:    %s\n", b.Timestamp.UTC().Format(time.RFC3339Nano))
	p("Environment: %s\n", b.Environment)
	p("Request:     %s %s\n", b.Request.Method, b.Request.URL)
	if b.Request.Route != "" {
		p("Route:       %s\n", b.Request.Route)
	}
	p("Response:    %d in %s, %s allocated\n",
		b.Response.Status,
		time.Duration(b.Response.Duration*float64(time.Second)).Round(time.Microsecond),
		datasize.ByteSize(max(b.Response.MemoryUsage, 0)).HR())
	if b.Context.GitCommit != "" {
		p("Commit:      %s (%s)\n", b.Context.GitCommit, b.Context.GitBranch)
	}
	if b.Response.Exception != "" {
		p("\nFault:\n%s\n", b.Response.Exception)
	}

	// Known categories first, in their usual order, then any others
	cats := lo.Filter(trace.Categories, func(c trace.Category, _ int) bool {
		return len(b.Events[c]) > 0
	})
	var others []trace.Category
	for c, recs := range b.Events {
		if len(recs) > 0 && !lo.Contains(trace.Categories, c) {
			others = append(others, c)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	cats = append(cats, others...)

	for _, c := range cats {
		recs := b.Events[c]
		p("\n%s (%d)\n", strings.ToUpper(string(c)), len(recs))
		for _, rec := range recs {
			ts := trace.FromUnixSeconds(rec.Timestamp())
			ev := trace.DecodeEvent(c, rec)
			p("  %s  %-20s %s\n", ts.UTC().Format("15:04:05.000"), ev.EventType(), trace.Summarize(ev))
		}
	}
	if len(b.Response.Content) > 0 {
		p("\nResponse content: %s\n", datasize.ByteSize(len(b.Response.Content)).HR())
	}
	return bw.Flush()
}

var tracesGetCmd = &cobra.Command{
	Use:          "get <trace-id|path>",
	Short:        "Download the archive of a trace",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(rootCtx, time.Minute)
		defer cancel()

		outName, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		p, data, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if outName == "" {
			outName = path.Base(p)
		}
		if err := os.WriteFile(outName, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s\n", outName)
		return nil
	},
}

var tracesRemoveCmd = &cobra.Command{
	Use:          "remove <trace-id|path>",
	Short:        "Remove a trace",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(rootCtx, time.Minute)
		defer cancel()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		deleted, err := s.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return errors.Errorf("trace not found: %s", args[0])
		}
		return nil
	},
}

var tracesPurgeCmd = &cobra.Command{
	Use:          "purge",
	Short:        "Remove traces older than the retention period",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Minute)
		defer cancel()

		days, err := cmd.Flags().GetInt("days")
		if err != nil {
			return err
		}
		if days == 0 {
			days = conf.RetentionDays
		}
		if days <= 0 {
			return errors.New("--days must be greater than 0")
		}
		yes, err := cmd.Flags().GetBool("yes")
		if err != nil {
			return err
		}
		if !yes && !confirm(os.Stdin, os.Stdout,
			fmt.Sprintf("Remove all traces older than %d days?", days)) {
			return errors.New("aborted")
		}

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		stats, err := s.Purge(ctx, days, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d of %d traces", stats.Deleted, stats.Total)
		if stats.Failed > 0 {
			fmt.Printf(", %d could not be removed", stats.Failed)
		}
		fmt.Println()
		return nil
	},
}

// confirm asks a yes/no question, the default is no
func confirm(in io.Reader, out io.Writer, question string) bool {
	_, _ = fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
