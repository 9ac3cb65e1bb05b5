package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/elonfeng/drugradar/pkg/event"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "drugradar",
		Short:         "Look up adverse event reports for drugs and reactions from openFDA",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(lookupCmd(event.ByDrug))
	root.AddCommand(lookupCmd(event.ByReaction))
	root.AddCommand(topCmd())
	root.AddCommand(reportsCmd())
	root.AddCommand(gendersCmd())
	root.AddCommand(threadsCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(searchedCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(interactiveCmd())

	return root
}

func lookupCmd(dir event.Direction) *cobra.Command {
	var (
		jsonOutput bool
		chart      bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   string(dir) + " NAME",
		Short: fmt.Sprintf("Find %s reported for a %s", dir.Opposite().Plural(), dir),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(cmd, dir, strings.Join(args, " "), limit, jsonOutput, chart)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&chart, "chart", false, "draw a bar chart instead of a table")
	cmd.Flags().IntVar(&limit, "limit", 10, "rows to show")
	return cmd
}

func topCmd() *cobra.Command {
	var (
		jsonOutput bool
		chart      bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "top drug|reaction NAME",
		Short: "Show stored top counts for a drug or reaction",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTop(cmd, args[0], strings.Join(args[1:], " "), limit, jsonOutput, chart)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&chart, "chart", false, "draw a bar chart instead of a table")
	cmd.Flags().IntVar(&limit, "limit", 10, "rows to show")
	return cmd
}

func reportsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reports drug|reaction NAME",
		Short: "List sample report ids for a drug or reaction",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReports(cmd, args[0], strings.Join(args[1:], " "), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "report ids to show")
	return cmd
}

func gendersCmd() *cobra.Command {
	var chart bool

	cmd := &cobra.Command{
		Use:   "genders drug|reaction NAME",
		Short: "Show reports per patient sex and age band",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenders(cmd, args[0], strings.Join(args[1:], " "), chart)
		},
	}

	cmd.Flags().BoolVar(&chart, "chart", false, "draw bar charts instead of tables")
	return cmd
}

func threadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads TERM",
		Short: "Find Reddit discussion threads mentioning a term",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreads(cmd, strings.Join(args, " "))
		},
	}
}

func reportCmd() *cobra.Command {
	var (
		out     string
		threads bool
	)

	cmd := &cobra.Command{
		Use:   "report drug|reaction NAME",
		Short: "Write a Markdown or HTML report for a stored drug or reaction",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, args[0], strings.Join(args[1:], " "), out, threads)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (.html or .md); stdout Markdown when empty")
	cmd.Flags().BoolVar(&threads, "threads", false, "include Reddit discussion threads")
	return cmd
}

func searchedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "searched drug|reaction",
		Short: "List every drug or reaction looked up so far",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearched(cmd, args[0])
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func interactiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Prompt for drug names and show their reactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractiveCmd(cmd)
		},
	}
}
