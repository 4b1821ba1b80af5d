package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vertebra-api/internal/config"
)

// Session runs one forward pass over a flattened NCHW input and returns the
// flattened output. Implementations need not be safe for concurrent use.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy() error
}

// Server owns the network and serializes every prediction through mu.
type Server struct {
	Metadata Metadata

	mu      sync.Mutex
	session Session
	logger  *zap.Logger
	ownsEnv bool
}

// NewServer loads the ONNX model described by cfg. A missing metadata file
// falls back to DefaultMetadata.
func NewServer(cfg config.ModelConfig, logger *zap.Logger) (*Server, error) {
	logger = logger.Named("model")

	metadata, found, err := loadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("metadata file not found, using defaults", zap.String("path", cfg.MetadataPath))
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	session, err := newOnnxSession(cfg.Path, metadata)
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, err
	}

	logger.Info("model loaded",
		zap.String("path", cfg.Path),
		zap.Int64s("input_shape", metadata.InputShape),
		zap.Int64s("output_shape", metadata.OutputShape),
	)

	s := NewServerWithSession(metadata, session, logger)
	s.ownsEnv = true
	return s, nil
}

// NewServerWithSession wraps an already created session.
func NewServerWithSession(metadata Metadata, session Session, logger *zap.Logger) *Server {
	metadata.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Metadata: metadata,
		session:  session,
		logger:   logger,
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			s.logger.Warn("failed to destroy session", zap.Error(err))
		}
		s.session = nil
	}
	if s.ownsEnv {
		if err := ort.DestroyEnvironment(); err != nil {
			s.logger.Warn("failed to destroy ONNX environment", zap.Error(err))
		}
		s.ownsEnv = false
	}
}

func loadMetadata(path string) (Metadata, bool, error) {
	var metadata Metadata
	found := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return metadata, false, fmt.Errorf("failed to read metadata: %w", err)
		default:
			if err := json.Unmarshal(data, &metadata); err != nil {
				return metadata, false, fmt.Errorf("failed to parse metadata: %w", err)
			}
			found = true
		}
	}
	metadata.fillDefaults()
	if err := metadata.validate(); err != nil {
		return metadata, found, err
	}
	return metadata, found, nil
}

type onnxSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newOnnxSession(modelPath string, metadata Metadata) (*onnxSession, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxSession{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (o *onnxSession) Run(input []float32) ([]float32, error) {
	data := o.inputTensor.GetData()
	if len(input) != len(data) {
		return nil, fmt.Errorf("%w: got %d input values, want %d", ErrShape, len(input), len(data))
	}
	copy(data, input)

	if err := o.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// the tensor is reused by the next run
	out := o.outputTensor.GetData()
	return append([]float32(nil), out...), nil
}

func (o *onnxSession) Destroy() error {
	var errs []error
	if o.session != nil {
		errs = append(errs, o.session.Destroy())
	}
	if o.inputTensor != nil {
		errs = append(errs, o.inputTensor.Destroy())
	}
	if o.outputTensor != nil {
		errs = append(errs, o.outputTensor.Destroy())
	}
	return errors.Join(errs...)
}
