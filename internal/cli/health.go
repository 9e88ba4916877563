package cli

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

var errDegraded = errors.New("inference worker is unreachable")

func newHealthCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report device, concurrency and cache state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, finish, err := app.openServiceFn(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, finish())
			}()

			health := svc.Health(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(health); err != nil {
				return err
			}
			if health.Status != "ok" {
				return errDegraded
			}
			return nil
		},
	}
}
