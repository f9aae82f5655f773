package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/observe"
	"github.com/fmueller/quietwav/internal/pipeline"
)

const (
	uploadField      = "file"
	downloadFileName = "processed_audio.wav"
	// multipart parts beyond this size are spooled to disk by net/http.
	multipartMemory = 1 << 20
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch pipeline.Kind(err) {
	case "invalid_audio":
		return http.StatusBadRequest
	case "model_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observe.Logger(ctx, s.logger)

	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: tooLarge(s.cfg.MaxUploadBytes)})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	upload, header, err := r.FormFile(uploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: tooLarge(s.cfg.MaxUploadBytes)})
		case errors.Is(err, http.ErrMissingFile) && hasEmptyFilePart(r.MultipartForm):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "No selected file"})
		default:
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "No file part"})
		}
		return
	}
	defer upload.Close()
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	if header.Filename == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "No selected file"})
		return
	}

	s.metrics.ActiveRequests.Add(ctx, 1)
	defer s.metrics.ActiveRequests.Add(ctx, -1)

	id := uuid.NewString()
	inPath := filepath.Join(s.tempDir, id+".in.wav")
	outPath := filepath.Join(s.tempDir, id+".out.wav")
	defer func() {
		_ = os.Remove(inPath)
		_ = os.Remove(outPath)
	}()

	if err := saveUpload(upload, inPath); err != nil {
		logger.Error("store upload failed", zap.Error(err))
		s.metrics.RecordRequest(ctx, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not store upload", Kind: pipeline.Kind(err)})
		return
	}

	res, err := s.denoiser.ProcessFile(ctx, inPath, outPath)
	s.metrics.RecordRequest(ctx, err)
	if err != nil {
		status := statusFor(err)
		fields := []zap.Field{zap.String("upload", header.Filename), zap.String("kind", pipeline.Kind(err)), zap.Error(err)}
		if status >= http.StatusInternalServerError {
			logger.Error("audio processing failed", fields...)
		} else {
			logger.Info("audio rejected", fields...)
		}
		writeJSON(w, status, errorBody{Error: err.Error(), Kind: pipeline.Kind(err)})
		return
	}
	s.metrics.AddFrames(ctx, res.Frames)

	out, err := os.Open(outPath)
	if err != nil {
		logger.Error("open processed audio failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processed audio missing", Kind: "internal"})
		return
	}
	defer out.Close()

	info, err := out.Stat()
	if err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadFileName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, out); err != nil {
		logger.Warn("send processed audio failed", zap.Error(err))
		return
	}

	logger.Info("audio processed",
		zap.String("upload", header.Filename),
		zap.Int("sample_rate", res.SampleRate),
		zap.Int("samples", res.Samples),
		zap.Int("frames", res.Frames),
		zap.Duration("elapsed", res.Elapsed),
	)
}

// hasEmptyFilePart reports whether the upload field was sent without a file
// name. net/http files such parts as plain values.
func hasEmptyFilePart(form *multipart.Form) bool {
	if form == nil {
		return false
	}
	_, ok := form.Value[uploadField]
	return ok
}

func saveUpload(src io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func tooLarge(limit int64) string {
	return fmt.Sprintf("upload exceeds the %d byte limit", limit)
}
