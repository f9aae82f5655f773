package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/denoise"
)

func newProcessCmd(app *appState) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "process <in.wav>",
		Short: "Denoise a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, err := app.processFile(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.outWriter(), "Denoised audio written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output WAV path (default: <input>.denoised.wav)")
	return cmd
}

func defaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".denoised.wav"
}

func (a *appState) processFile(ctx context.Context, inPath, outPath string) (string, error) {
	inPath = filepath.Clean(inPath)
	if _, err := os.Stat(inPath); err != nil {
		return "", fmt.Errorf("audio file not found: %w", err)
	}
	if strings.TrimSpace(outPath) == "" {
		outPath = defaultOutputPath(inPath)
	}
	outPath = filepath.Clean(outPath)
	if outPath == inPath {
		return "", errors.New("output path must differ from the input path")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	models, err := a.models()
	if err != nil {
		return "", err
	}
	defer a.closeModels(models)

	stopSpinner := startSpinner(a.progressEnabled(), "Loading model")
	err = models.Ready(ctx)
	stopSpinner()
	if err != nil {
		return "", err
	}

	p, err := a.newPipeline(models)
	if err != nil {
		return "", err
	}
	progress, stopProgress := startFrameProgress(a.progressEnabled(), "Denoising")
	p.Progress = progress

	a.log().Info("denoising...", zap.String("input", inPath), zap.String("output", outPath))
	res, err := denoise.NewService(p, a.log()).ProcessFile(ctx, inPath, outPath)
	stopProgress()
	if err != nil {
		return "", err
	}

	a.log().Info("denoising finished",
		zap.Int("sample_rate", res.SampleRate),
		zap.Int("frames", res.Frames),
		zap.Duration("audio", res.Duration),
		zap.Float64("input_rms_dbfs", res.Input.RMSdBFS),
		zap.Float64("output_rms_dbfs", res.Output.RMSdBFS),
		zap.Duration("elapsed", res.Elapsed),
	)
	return outPath, nil
}
