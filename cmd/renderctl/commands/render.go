package commands

import (
	"github.com/spf13/cobra"
)

func newCheckRenderCommand(env *Env) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "check-render <render_id>",
		Args:  cobra.ExactArgs(1),
		Short: "Ask the render service for a render's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := env.NewRenderer()
			if err != nil {
				return err
			}
			st, err := rs.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := map[string]any{
				"render_id": args[0],
				"state":     st.State,
			}
			if st.OutputURL != "" {
				out["output_url"] = st.OutputURL
			}
			if st.Error != "" {
				out["error"] = st.Error
			}
			if raw {
				out["raw"] = st.Raw
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "include the provider response")
	return cmd
}
