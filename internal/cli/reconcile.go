package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Clear stock alerts whose condition no longer holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Notifier.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), map[string]int{
				"products": res.Products,
				"cleared":  res.Cleared,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "reconciled %d products, cleared %d alerts\n", res.Products, res.Cleared)
			})
		},
	}
}
