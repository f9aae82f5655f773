package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/download"
	"github.com/fmueller/quietwav/internal/pipeline"
)

// Provisioner makes the inference artifact available on disk: an existing
// artifact is used as is, otherwise it is converted from the source artifact
// or downloaded. Ensure is idempotent and safe for concurrent use.
type Provisioner struct {
	Options    Options
	Converter  Converter
	HTTPClient *http.Client
	NoProgress bool
	Logger     *zap.Logger

	mu sync.Mutex
}

func (p *Provisioner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Ensure returns the path of a usable inference artifact. Every failure
// wraps pipeline.ErrModelUnavailable.
func (p *Provisioner) Ensure(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	artifact, err := Resolve(p.Options)
	if err != nil {
		return "", fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, err)
	}
	logger := p.logger().With(zap.String("model", artifact.Path))

	if artifact.Exists {
		err := download.Verify(artifact.Path, artifact.SHA256)
		if err == nil {
			logger.Debug("model artifact present")
			return artifact.Path, nil
		}
		if !errors.Is(err, download.ErrDigestMismatch) || artifact.URL == "" {
			return "", fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, err)
		}
		logger.Warn("model artifact checksum mismatch, downloading again", zap.Error(err))
	}

	if !artifact.Exists && artifact.SourceExists {
		if err := os.MkdirAll(filepath.Dir(artifact.Path), 0o755); err != nil {
			return "", fmt.Errorf("%w: create model directory: %w", pipeline.ErrModelUnavailable, err)
		}
		converter := p.Converter
		if converter == nil {
			converter = CommandConverter{Logger: p.Logger}
		}
		if err := converter.Convert(ctx, artifact.SourcePath, artifact.Path); err != nil {
			if artifact.URL == "" {
				return "", fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, err)
			}
			logger.Warn("model conversion failed, falling back to download", zap.Error(err))
		} else {
			logger.Info("model converted", zap.String("source", artifact.SourcePath))
			return artifact.Path, nil
		}
	}

	if artifact.URL != "" {
		client := &download.Client{HTTP: p.HTTPClient, Logger: p.Logger, NoProgress: p.NoProgress}
		err := client.Fetch(ctx, download.Request{
			URL:         artifact.URL,
			Destination: artifact.Path,
			SHA256:      artifact.SHA256,
			DigestURL:   artifact.ChecksumURL,
			Label:       "downloading model",
		})
		if err != nil {
			return "", fmt.Errorf("%w: download %s: %w", pipeline.ErrModelUnavailable, artifact.URL, err)
		}
		logger.Info("model downloaded", zap.String("url", artifact.URL))
		return artifact.Path, nil
	}

	return "", fmt.Errorf("%w: no model at %s, no source at %s and no download URL configured; run `quietwav setup`",
		pipeline.ErrModelUnavailable, artifact.Path, artifact.SourcePath)
}
