package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/example/poultry-check/internal/auth"
	"github.com/example/poultry-check/internal/inference"
	"github.com/example/poultry-check/internal/preprocess"
	"github.com/example/poultry-check/internal/usecase"
)

// MaxUploadSize is the largest accepted image, in bytes.
const MaxUploadSize = 5 << 20

// multipartOverhead bounds the request body beyond the file itself.
const multipartOverhead = 1 << 20

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

var allowedContentTypes = []string{"image/jpeg", "image/png"}

// PredictionService is the use case surface the HTTP layer depends on.
type PredictionService interface {
	Classify(ctx context.Context, userID string, imageBytes []byte) (*usecase.PredictionResult, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.PredictionResult, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	ModelLoaded() bool
}

// RegisterRoutes wires the HTTP handlers to the Gin router. metricsHandler may
// be nil. A nil authn leaves /predict anonymous and skips the token protected
// routes.
func RegisterRoutes(router *gin.Engine, svc PredictionService, authn *auth.Authenticator, metricsHandler http.Handler) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Poultry disease classification API running"})
	})

	router.GET("/health", func(c *gin.Context) {
		if svc.ModelLoaded() {
			c.JSON(http.StatusOK, gin.H{"status": "healthy", "model": "loaded"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "model": "not loaded"})
	})

	predictChain := []gin.HandlerFunc{}
	if authn != nil {
		predictChain = append(predictChain, authn.Optional())
	}
	predictChain = append(predictChain, func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File size exceeds 5MB limit."})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}

		if !allowedExtensions[strings.ToLower(filepath.Ext(file.Filename))] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file extension. Only .jpg, .jpeg, .png allowed."})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File size exceeds 5MB limit."})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if len(data) > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File size exceeds 5MB limit."})
			return
		}
		if detected := mimetype.Detect(data); !mimetype.EqualsAny(detected.String(), allowedContentTypes...) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + detected.String()})
			return
		}

		userID, _ := auth.GetUserID(c.Request.Context())
		result, err := svc.Classify(c.Request.Context(), userID, data)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      result.RequestID,
			"probabilities":   result.Probabilities,
			"predicted_class": result.PredictedClass,
		})
	})
	router.POST("/predict", predictChain...)

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
	if authn == nil {
		return
	}

	protected := router.Group("/", authn.Required())

	protected.GET("/predictions/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		userID, _ := auth.GetUserID(c.Request.Context())

		result, err := svc.GetResult(c.Request.Context(), userID, requestID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, preprocess.ErrDecode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image file"})
	case errors.Is(err, inference.ErrNotLoaded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
	case errors.Is(err, usecase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, usecase.ErrPersistenceDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prediction history is not enabled"})
	case errors.Is(err, inference.ErrInference):
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process image"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
