package commands

import (
	"github.com/spf13/cobra"
)

func newWaitReadyCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "wait-ready",
		Short: "Block until the ComfyUI server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.client.WaitReady(ctx); err != nil {
				a.logger.Errorf("%v", err)
				return err
			}
			a.logger.Infof("comfyui is ready at %s", a.cfg.Comfy.URL)
			return nil
		},
	}
}
