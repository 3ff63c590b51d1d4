package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"supertask/internal/namespace"
	"supertask/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <namespace>",
	Short: "List the stored jobs of a namespace and their next fire time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireStore(); err != nil {
			return err
		}
		if err := namespace.Validate(args[0]); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.Store())
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := newService(st).List(ctx, args[0], store.Filter{})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENABLED\tTRIGGER\tNEXT FIRE\tVERSION\tORIGIN")
		for _, j := range list {
			next := "-"
			if j.NextFireAt != nil {
				next = j.NextFireAt.In(cfg.Timezone).Format(time.RFC3339)
			}
			origin := j.Origin
			if origin == "" {
				origin = "-"
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%d\t%s\n", j.ID, j.Enabled, j.Trigger, next, j.Version, origin)
		}
		return w.Flush()
	},
}
