package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coachpo/pricefeed/internal/domain/schema"
	"github.com/coachpo/pricefeed/internal/infra/feedclient"
)

func newFeedClient(opts *rootOptions) (*feedclient.Client, error) {
	return feedclient.New(feedclient.Config{
		BaseURL:   opts.serverURL,
		APIPrefix: opts.apiPrefix,
	})
}

func newTickersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tickers",
		Short: "List instruments with their current prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newFeedClient(opts)
			if err != nil {
				return err
			}
			tickers, err := client.Tickers(cmd.Context())
			if err != nil {
				return err
			}
			return printTickers(cmd.OutOrStdout(), tickers)
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <ticker>",
		Short: "Show recent price samples for an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newFeedClient(opts)
			if err != nil {
				return err
			}
			view, err := client.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s) current=%s\n", view.Ticker.ID, view.Ticker.Name, formatPrice(view.Ticker.CurrentPrice))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tVALUE")
			for _, sample := range view.History {
				fmt.Fprintf(w, "%s\t%s\n", sample.Timestamp, formatPrice(sample.Value))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Number of most recent samples (1-1000, 0 for all)")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show live stream subscriber counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newFeedClient(opts)
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connections: %d\n", stats.Connections)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, ticker := range slices.Sorted(maps.Keys(stats.ByTicker)) {
				fmt.Fprintf(w, "%s\t%d\n", ticker, stats.ByTicker[ticker])
			}
			return w.Flush()
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <ticker>",
		Short: "Stream live price updates for an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newFeedClient(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = client.Stream(cmd.Context(), args[0], feedclient.StreamHandlers{
				OnConnect: func() { fmt.Fprintf(out, "connected to %s\n", args[0]) },
				OnPrice: func(p schema.PriceUpdateData) {
					fmt.Fprintf(out, "%s %s %s\n", p.Timestamp, p.TickerID, formatPrice(p.Price))
				},
				OnError: func(msg string) { fmt.Fprintf(out, "server error: %s\n", msg) },
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}

func printTickers(out io.Writer, tickers []schema.InstrumentView) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCURRENT\tINITIAL\tUPDATED")
	for _, t := range tickers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, formatPrice(t.CurrentPrice), formatPrice(t.InitialPrice), t.UpdatedAt)
	}
	return w.Flush()
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
