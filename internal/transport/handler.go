// Package transport exposes the sticker pipeline over HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/internal/config"
	"github.com/menta2k/sticker-maker/internal/logger"
	"github.com/menta2k/sticker-maker/pkg/analyzer"
	"github.com/menta2k/sticker-maker/pkg/pipeline"
	"github.com/menta2k/sticker-maker/pkg/types"
)

const version = "1.0.0"

var uploads = analyzer.New()

// Service is the part of the sticker maker the API needs.
type Service interface {
	Detect(ctx context.Context, raw types.RawImage) []types.Detection
	Process(ctx context.Context, raw types.RawImage) (*types.StickerRecord, error)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

type DetectionResponse struct {
	ID         string            `json:"id"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Detections []types.Detection `json:"detections"`
}

type StickerResponse struct {
	ID         string            `json:"id"`
	Image      []byte            `json:"image"`
	Detections []types.Detection `json:"detections"`
	Contour    types.Contour     `json:"contour"`
}

func NewHandler(svc Service, cfg config.ServerConfig) http.Handler {
	r := gin.New()

	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxRequestBodySize),
	)

	r.GET("/health", healthCheck)
	v1 := r.Group("/v1")
	v1.POST("/detections", detect(svc, cfg))
	v1.POST("/stickers", createSticker(svc, cfg))

	return r
}

func detect(svc Service, cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := withTimeout(c, cfg.RequestTimeout)
		defer cancel()

		raw, err := readImage(c)
		if err != nil {
			respondError(c, http.StatusBadRequest, "", "invalid image upload", err)
			return
		}

		dets := svc.Detect(ctx, raw)
		size := raw.Size()
		c.JSON(http.StatusOK, DetectionResponse{
			ID:         raw.ID,
			Width:      int(size.Width),
			Height:     int(size.Height),
			Detections: dets,
		})
	}
}

func createSticker(svc Service, cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, cancel := withTimeout(c, cfg.RequestTimeout)
		defer cancel()

		raw, err := readImage(c)
		if err != nil {
			respondError(c, http.StatusBadRequest, "", "invalid image upload", err)
			return
		}

		record, err := svc.Process(ctx, raw)
		if err != nil {
			kind, _ := pipeline.KindOf(err)
			respondError(c, determineStatusCode(err), string(kind), "sticker creation failed", err)
			return
		}

		logger.WithFields(logrus.Fields{
			"id":                 record.ID,
			"bytes":              len(record.ImageBytes),
			"processing_time_ms": time.Since(startTime).Milliseconds(),
		}).Info("sticker created")

		if strings.EqualFold(c.Query("format"), "png") {
			c.Header("X-Sticker-Id", record.ID)
			c.Data(http.StatusOK, "image/png", record.ImageBytes)
			return
		}
		c.JSON(http.StatusOK, StickerResponse{
			ID:         record.ID,
			Image:      record.ImageBytes,
			Detections: record.Detections,
			Contour:    record.Contour,
		})
	}
}

// readImage decodes the multipart "image" field. Optional form fields: "id"
// overrides the identifier and "orientation" (1-8) declares the EXIF
// orientation of the pixel data.
func readImage(c *gin.Context) (types.RawImage, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return types.RawImage{}, fmt.Errorf("missing image field: %w", err)
	}
	f, err := fh.Open()
	if err != nil {
		return types.RawImage{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return types.RawImage{}, fmt.Errorf("failed to read upload: %w", err)
	}
	img, _, err := uploads.Decode(data)
	if err != nil {
		return types.RawImage{}, err
	}

	orientation := types.OrientationUp
	if v := c.PostForm("orientation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !types.Orientation(n).Valid() {
			return types.RawImage{}, fmt.Errorf("invalid orientation %q", v)
		}
		orientation = types.Orientation(n)
	}

	id := c.PostForm("id")
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(fh.Filename), filepath.Ext(fh.Filename))
	}

	return types.RawImage{
		ID:          id,
		Image:       img,
		Orientation: orientation,
		ColorSpace:  types.ColorSpaceSRGB,
	}, nil
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func withTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), d)
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"ip":          c.ClientIP(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request handled")
	}
}

func determineStatusCode(err error) int {
	if kind, ok := pipeline.KindOf(err); ok {
		switch kind {
		case pipeline.KindNoSubjectDetected,
			pipeline.KindMaskGenerationFailed,
			pipeline.KindContourExtractionFailed,
			pipeline.KindCropRegionInvalid:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, kind, message string, err error) {
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"kind":        kind,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Warn("Request failed")

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Kind:    kind,
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}
