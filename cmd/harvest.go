package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newHarvestCmd() *cobra.Command {
	var jobID int
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one stored job immediately and exit",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App) error {
			if jobID <= 0 {
				return errors.New("--job must be a positive job id")
			}
			res, err := app.HarvestOnce(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			app.Logger().Info("harvest finished",
				zap.Int("job_id", res.JobID),
				zap.Int("records", res.RecordCount),
				zap.Int("deleted_records", res.DeletedRecordCount),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&jobID, "job", 0, "id of the stored job to run")
	return cmd
}
