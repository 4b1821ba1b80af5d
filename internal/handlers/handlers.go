package handlers

import (
	"bytes"
	_ "embed"
	"errors"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vertebra-api/internal/cache"
	"github.com/Brownie44l1/vertebra-api/internal/imaging"
	"github.com/Brownie44l1/vertebra-api/internal/model"
)

//go:embed static/index.html
var indexHTML []byte

//go:embed static/favicon.png
var faviconPNG []byte

// Predictor is satisfied by *model.Server. Predict returns nil on failure.
type Predictor interface {
	Predict(img image.Image, opts model.Options) *model.Mask
}

type Handler struct {
	predictor Predictor
	results   *cache.Results
	maxPixels int
	logger    *zap.Logger
}

// NewHandler wires the HTTP layer to a predictor. results may be nil.
// Uploads declaring more than maxPixels pixels are rejected before decoding.
func NewHandler(predictor Predictor, results *cache.Results, maxPixels int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		predictor: predictor,
		results:   results,
		maxPixels: maxPixels,
		logger:    logger.Named("handlers"),
	}
}

type HealthResponse struct {
	Status string `json:"status"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (h *Handler) Favicon(c *gin.Context) {
	c.Data(http.StatusOK, "image/png", faviconPNG)
}

// Predict segments every file in the "images" field. The response maps each
// filename to a PNG data URI, or null when that file could not be processed.
func (h *Handler) Predict(c *gin.Context) {
	logger := h.logger.With(zap.String("request_id", RequestID(c)))
	result := map[string]*string{}

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		// no form means no images
		logger.Debug("no multipart form", zap.Error(err))
		c.JSON(http.StatusOK, result)
		return
	}

	opts := model.NormalizeOptions(model.Options{
		Threshold:  parseThreshold(firstValue(form, "threshold")),
		SourceSize: parseSourceSize(firstValue(form, "source_size")),
	})

	for _, fh := range form.File["images"] {
		uri, err := h.process(fh, opts)
		if err != nil {
			logger.Warn("image not segmented", zap.String("file", fh.Filename), zap.Error(err))
			result[fh.Filename] = nil
			continue
		}
		result[fh.Filename] = &uri
	}

	logger.Info("predicted", zap.Int("images", len(form.File["images"])))
	c.JSON(http.StatusOK, result)
}

var errPrediction = errors.New("prediction failed")

func (h *Handler) process(fh *multipart.FileHeader, opts model.Options) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}

	key := cache.Key(data, opts)
	if uri, ok := h.results.Get(key); ok {
		return uri, nil
	}

	img, _, err := imaging.Decode(bytes.NewReader(data), h.maxPixels)
	if err != nil {
		return "", err
	}

	mask := h.predictor.Predict(img, opts)
	if mask == nil {
		return "", errPrediction
	}

	uri, err := imaging.MaskDataURI(mask)
	if err != nil {
		return "", err
	}
	h.results.Add(key, uri)
	return uri, nil
}

func firstValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// parseThreshold returns nil for a missing or unparsable value.
func parseThreshold(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseSourceSize accepts the strconv.ParseBool spellings plus yes/on/no/off.
// Unlike a plain non-empty check, "false" and "0" mean false here.
func parseSourceSize(s string) *bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return nil
	case "yes", "on":
		v := true
		return &v
	case "no", "off":
		v := false
		return &v
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &v
}
