package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// RuntimeLibraryEnv names the environment variable holding the path of the
// onnxruntime shared library when none is configured.
const RuntimeLibraryEnv = "QUIETWAV_ONNXRUNTIME_LIB"

var envMu sync.Mutex

func initRuntime(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath == "" {
		libraryPath = strings.TrimSpace(os.Getenv(RuntimeLibraryEnv))
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return nil
}

type ONNXOptions struct {
	Path        string
	// FrameSize is the sample count every frame must have.
	FrameSize   int
	// Sessions is the number of independent sessions, i.e. how many frames
	// can run at once. Defaults to 1.
	Sessions    int
	LibraryPath string
	Logger      *zap.Logger
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		_ = s.session.Destroy()
	}
	if s.input != nil {
		_ = s.input.Destroy()
	}
	if s.output != nil {
		_ = s.output.Destroy()
	}
}

// ONNXModel runs a [1, FrameSize, 1] float model. Each session has its input
// and output tensors bound, so a session serves one frame at a time; frames
// check a session out of the pool for the duration of one run.
type ONNXModel struct {
	frameSize int
	sessions  []*session
	pool      chan *session
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// LoadONNX opens the artifact at opts.Path and checks its signature.
func LoadONNX(opts ONNXOptions) (*ONNXModel, error) {
	if opts.FrameSize < 1 {
		return nil, fmt.Errorf("frame size must be positive, got %d", opts.FrameSize)
	}
	if opts.Sessions < 1 {
		opts.Sessions = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}

	if err := initRuntime(opts.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	inName, outName, err := checkSignature(inputs, outputs, opts.FrameSize)
	if err != nil {
		return nil, err
	}

	m := &ONNXModel{
		frameSize: opts.FrameSize,
		pool:      make(chan *session, opts.Sessions),
		done:      make(chan struct{}),
		logger:    opts.Logger,
	}
	for range opts.Sessions {
		s, err := newSession(opts.Path, inName, outName, opts.FrameSize)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.sessions = append(m.sessions, s)
		m.pool <- s
	}

	opts.Logger.Debug("onnx model ready",
		zap.String("path", opts.Path),
		zap.String("input", inName),
		zap.String("output", outName),
		zap.Int("sessions", opts.Sessions),
	)
	return m, nil
}

func newSession(path, inName, outName string, frameSize int) (*session, error) {
	shape := ort.NewShape(1, int64(frameSize), 1)
	s := &session{}

	var err error
	s.input, err = ort.NewTensor(shape, make([]float32, frameSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	s.output, err = ort.NewEmptyTensor[float32](shape)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(path,
		[]string{inName}, []string{outName},
		[]ort.Value{s.input}, []ort.Value{s.output}, nil)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func checkSignature(inputs, outputs []ort.InputOutputInfo, frameSize int) (string, string, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return "", "", fmt.Errorf("model must have exactly one input and one output, has %d and %d", len(inputs), len(outputs))
	}
	for _, info := range []ort.InputOutputInfo{inputs[0], outputs[0]} {
		if info.DataType != ort.TensorElementDataTypeFloat {
			return "", "", fmt.Errorf("tensor %q must be float32, is %v", info.Name, info.DataType)
		}
		if err := checkFrameShape(info.Dimensions, frameSize); err != nil {
			return "", "", fmt.Errorf("tensor %q: %w", info.Name, err)
		}
	}
	return inputs[0].Name, outputs[0].Name, nil
}

// checkFrameShape accepts [1, frameSize, 1] where the batch dimension may be
// dynamic (-1).
func checkFrameShape(dims []int64, frameSize int) error {
	if len(dims) != 3 {
		return fmt.Errorf("expected shape [1, %d, 1], got %v", frameSize, dims)
	}
	if dims[0] != 1 && dims[0] != -1 {
		return fmt.Errorf("batch dimension must be 1, got %d", dims[0])
	}
	if dims[1] != int64(frameSize) {
		return fmt.Errorf("frame dimension is %d, configured frame size is %d", dims[1], frameSize)
	}
	if dims[2] != 1 {
		return fmt.Errorf("channel dimension must be 1, got %d", dims[2])
	}
	return nil
}

func (m *ONNXModel) FrameSize() int {
	return m.frameSize
}

var errModelClosed = errors.New("model is closed")

func (m *ONNXModel) Process(ctx context.Context, frame []float32) ([]float32, error) {
	if len(frame) != m.frameSize {
		return nil, fmt.Errorf("frame has %d samples, model expects %d", len(frame), m.frameSize)
	}

	var s *session
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, errModelClosed
	case s = <-m.pool:
	}
	defer func() { m.pool <- s }()

	copy(s.input.GetData(), frame)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}
	out := make([]float32, m.frameSize)
	copy(out, s.output.GetData())
	return out, nil
}

// Close waits for in-flight frames and destroys every session.
func (m *ONNXModel) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		for range m.sessions {
			s := <-m.pool
			s.destroy()
		}
		m.logger.Debug("onnx model closed")
	})
	return nil
}

// LoadFromProvisioner returns a LoadFunc that ensures the artifact is on disk
// and opens it with opts. opts.Path is filled from the provisioner.
func LoadFromProvisioner(p *Provisioner, opts ONNXOptions) LoadFunc {
	return func(ctx context.Context) (Handle, error) {
		path, err := p.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		opts.Path = path
		m, err := LoadONNX(opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
