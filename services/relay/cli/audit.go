package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinel-honeypot/relay/internal/events"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [path]",
		Short: "Check the HMAC signature of every audit log entry",
		Long: `Verify a signed audit log with audit_hmac_key. Defaults to audit_log_path.
Exits non-zero when any entry fails verification.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := viper.GetString("audit_hmac_key")
			if key == "" {
				return errors.New("audit_hmac_key is not set")
			}
			path := viper.GetString("audit_log_path")
			if len(args) == 1 {
				path = args[0]
			}

			total, valid, err := events.VerifySigned(path, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, %d valid\n", path, total, valid)
			if valid != total {
				return fmt.Errorf("%d entries failed verification", total-valid)
			}
			return nil
		},
	})
	return cmd
}
