package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Converter turns a trainable model artifact into a fixed-shape inference
// artifact.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// DefaultConvertCommand converts a Keras model with tf2onnx. {src} and {dst}
// are replaced with the source and destination paths.
var DefaultConvertCommand = []string{"python3", "-m", "tf2onnx.convert", "--keras", "{src}", "--output", "{dst}"}

// CommandConverter runs an external conversion tool.
type CommandConverter struct {
	Command []string
	Logger  *zap.Logger
}

func (c CommandConverter) Convert(ctx context.Context, src, dst string) error {
	command := c.Command
	if len(command) == 0 {
		command = DefaultConvertCommand
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tempPath := dst + ".part"
	_ = os.Remove(tempPath)

	args := make([]string, len(command))
	for i, arg := range command {
		arg = strings.ReplaceAll(arg, "{src}", src)
		args[i] = strings.ReplaceAll(arg, "{dst}", tempPath)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Info("converting model", zap.String("source", src), zap.String("destination", dst), zap.Strings("command", args))
	if err := cmd.Run(); err != nil {
		_ = os.Remove(tempPath)
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("conversion tool %q not found; install it or set model.convert_command", args[0])
		}
		return fmt.Errorf("convert model: %w (%s)", err, lastLine(stderr.String()))
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return fmt.Errorf("conversion produced no output: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(tempPath)
		return errors.New("conversion produced an empty model")
	}

	if err := os.Rename(tempPath, dst); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("move converted model into place: %w", err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
