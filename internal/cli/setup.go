package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/model"
)

func newSetupCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Convert or download the model and check that it loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := app.modelOptions()
			if err != nil {
				return err
			}
			artifact, err := model.Resolve(opts)
			if err != nil {
				return err
			}

			models, err := app.models()
			if err != nil {
				return err
			}
			defer app.closeModels(models)

			app.log().Info("preparing model", zap.String("path", artifact.Path), zap.Bool("present", artifact.Exists))
			stopSpinner := startSpinner(app.progressEnabled() && artifact.Exists, "Loading model")
			err = models.Ready(cmd.Context())
			stopSpinner()
			if err != nil {
				return err
			}

			fmt.Fprintf(app.outWriter(), "Model ready at %s (frame size %d, %d Hz)\n",
				artifact.Path, app.cfg.Pipeline.FrameSize, app.cfg.Pipeline.SampleRate)
			return nil
		},
	}
}
