// Package model locates, provisions and loads the fixed-shape noise
// suppression model.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultFileName       = "noise_suppression.onnx"
	DefaultSourceFileName = "noise_suppression.keras"
)

type Options struct {
	// Path is the inference artifact. Empty means Dir/DefaultFileName.
	Path        string
	// SourcePath is the trainable artifact converted when Path is missing.
	// Empty means DefaultSourceFileName next to Path.
	SourcePath  string
	// URL optionally points at a downloadable inference artifact.
	URL         string
	SHA256      string
	// ChecksumURL points at a checksum listing used when SHA256 is empty.
	ChecksumURL string
	Dir         string
}

type Artifact struct {
	Path         string
	SourcePath   string
	URL          string
	SHA256       string
	ChecksumURL  string
	Exists       bool
	SourceExists bool
}

func Resolve(opts Options) (Artifact, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		if strings.TrimSpace(opts.Dir) == "" {
			return Artifact{}, errors.New("model directory must not be empty when no model path is given")
		}
		path = filepath.Join(opts.Dir, DefaultFileName)
	}
	path = filepath.Clean(path)
	if !strings.EqualFold(filepath.Ext(path), ".onnx") {
		return Artifact{}, fmt.Errorf("model artifact %s must be an .onnx file", path)
	}

	source := strings.TrimSpace(opts.SourcePath)
	if source == "" {
		source = filepath.Join(filepath.Dir(path), DefaultSourceFileName)
	}
	source = filepath.Clean(source)

	exists, err := fileExists(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat model path: %w", err)
	}
	sourceExists, err := fileExists(source)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat model source path: %w", err)
	}

	return Artifact{
		Path:         path,
		SourcePath:   source,
		URL:          strings.TrimSpace(opts.URL),
		SHA256:       strings.ToLower(strings.TrimSpace(opts.SHA256)),
		ChecksumURL:  strings.TrimSpace(opts.ChecksumURL),
		Exists:       exists,
		SourceExists: sourceExists,
	}, nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return true, nil
}
