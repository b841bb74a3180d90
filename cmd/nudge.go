package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shoot3rs/fleetstream/internal/rotation"
)

func newNudgeCmd() *cobra.Command {
	var (
		baseURL string
		source  string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "nudge",
		Short: "Tell a running fleetstream that the rotation schedule changed",
		Long: `Posts to the internal rotation endpoint so every connected console
refreshes its rotation view. Meant to be run by the scheduled rotation job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := rotation.ParseSource(source)
			if err != nil {
				return err
			}

			client := rotation.NewClient(baseURL, token, timeout)
			if err := client.Nudge(cmd.Context(), src); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rotation nudge sent (source=%s)\n", src)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "base URL of the fleetstream service")
	cmd.Flags().StringVar(&source, "source", string(rotation.SourceCronjob), "nudge source: web, cronjob or testing")
	cmd.Flags().StringVar(&token, "internal-token", os.Getenv("INTERNAL_TOKEN"), "shared secret for internal endpoints")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
