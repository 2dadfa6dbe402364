package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/ledger"

	"github.com/spf13/cobra"
)

type stockView struct {
	ProductID     string `json:"productId"`
	Name          string `json:"name,omitempty"`
	MaxQty        int    `json:"maxQty"`
	AvailableQty  int    `json:"availableQty"`
	NotifyAtCount *int   `json:"notifyAtCount,omitempty"`
}

func viewOf(rec domain.StockRecord) stockView {
	return stockView{
		ProductID:     rec.ProductID,
		Name:          rec.Name,
		MaxQty:        rec.MaxQty,
		AvailableQty:  rec.AvailableQty,
		NotifyAtCount: rec.NotifyAtCount,
	}
}

func threshold(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Inspect and edit stock levels",
	}
	cmd.AddCommand(newStockGetCommand(rootOpts))
	cmd.AddCommand(newStockListCommand(rootOpts))
	cmd.AddCommand(newStockSetCommand(rootOpts))
	return cmd
}

func newStockGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <product-id>",
		Short: "Show one product's stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return domain.NotFound("stock", args[0])
			}
			view := viewOf(*rec)
			return rootOpts.emit(cmd.OutOrStdout(), view, func(w io.Writer) {
				fmt.Fprintf(w, "%s  available=%d  max=%d  notify-at=%s\n",
					view.ProductID, view.AvailableQty, view.MaxQty, threshold(view.NotifyAtCount))
			})
		},
	}
}

func newStockListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every product's stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.Ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]stockView, 0, len(recs))
			for _, rec := range recs {
				views = append(views, viewOf(rec))
			}
			return rootOpts.emit(cmd.OutOrStdout(), views, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PRODUCT\tNAME\tAVAILABLE\tMAX\tNOTIFY-AT")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", v.ProductID, v.Name, v.AvailableQty, v.MaxQty, threshold(v.NotifyAtCount))
				}
				tw.Flush()
			})
		},
	}
}

type setResult struct {
	ProductID     string   `json:"productId"`
	Before        int      `json:"before"`
	After         int      `json:"after"`
	Notifications []string `json:"notifications,omitempty"`
}

func newStockSetCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		available int
		maxQty    int
		notifyAt  int
		name      string
		clearAt   bool
	)

	cmd := &cobra.Command{
		Use:   "set <product-id>",
		Short: "Overwrite a product's available quantity",
		Long: `Overwrite a product's available quantity, creating the product if needed.
Alerts are derived from the change and stale ones cleared, as for an edit made
through the HTTP API.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ledger.SetOptions{ClearNotifyAt: clearAt}
			if cmd.Flags().Changed("max") {
				opts.MaxQty = &maxQty
			}
			if cmd.Flags().Changed("notify-at") {
				opts.NotifyAtCount = &notifyAt
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}

			a, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			change, rec, err := a.Ledger.SetAvailable(ctx, args[0], available, opts)
			if err != nil {
				return err
			}
			created, err := a.Notifier.Apply(ctx, *rec, change)
			if err != nil {
				return fmt.Errorf("stock updated but notifications failed: %w", err)
			}

			res := setResult{ProductID: args[0], Before: change.Before, After: change.After}
			for _, n := range created {
				res.Notifications = append(res.Notifications, n.Message)
			}
			return rootOpts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d -> %d\n", res.ProductID, res.Before, res.After)
				for _, msg := range res.Notifications {
					fmt.Fprintf(w, "  alert: %s\n", msg)
				}
			})
		},
	}

	cmd.Flags().IntVar(&available, "available", 0, "new available quantity")
	cmd.Flags().IntVar(&maxQty, "max", 0, "maximum quantity")
	cmd.Flags().IntVar(&notifyAt, "notify-at", 0, "low-stock threshold")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&clearAt, "clear-notify-at", false, "remove the low-stock threshold")
	_ = cmd.MarkFlagRequired("available")
	cmd.MarkFlagsMutuallyExclusive("notify-at", "clear-notify-at")

	return cmd
}
