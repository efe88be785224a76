package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/morphgate/internal/auth"
	"github.com/example/morphgate/internal/calibration"
	"github.com/example/morphgate/internal/gateway"
	"github.com/example/morphgate/internal/metrics"
	"github.com/example/morphgate/internal/session"
	"github.com/example/morphgate/internal/usecase"
)

// MaxUploadSize bounds a single multipart upload.
const MaxUploadSize = 16 << 20

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tiff": true,
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.AnalysisUseCase, defaultBins int, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		state, health := uc.Health(c.Request.Context())
		payload := gin.H{
			"status":     "healthy",
			"connection": state.String(),
		}
		if health != nil {
			payload["model_loaded"] = health.ModelLoaded
			payload["model_type"] = health.ModelType
		} else {
			payload["model_loaded"] = false
		}
		if state != gateway.StateConnected {
			payload["status"] = "degraded"
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api", authMiddleware)

	api.POST("/analyze", func(c *gin.Context) {
		operatorID, ok := auth.GetOperatorID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, errorBody("missing operator identity"))
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("image file is required"))
			return
		}
		if !allowedExtension(file.Filename) {
			c.JSON(http.StatusUnsupportedMediaType, errorBody("file type not allowed"))
			return
		}

		data, err := readUpload(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("failed to read image"))
			return
		}

		analyze(c, uc, operatorID, data, file.Filename)
	})

	api.POST("/analyze-base64", func(c *gin.Context) {
		operatorID, ok := auth.GetOperatorID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, errorBody("missing operator identity"))
			return
		}

		var body struct {
			Image    string `json:"image" binding:"required"`
			Filename string `json:"filename"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("image data is required"))
			return
		}

		data, err := decodeBase64Image(body.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid base64 image data"))
			return
		}
		name := body.Filename
		if name == "" {
			name = "upload.jpg"
		}

		analyze(c, uc, operatorID, data, name)
	})

	api.GET("/session", func(c *gin.Context) {
		operatorID, _ := auth.GetOperatorID(c.Request.Context())
		sess := uc.Session(operatorID)
		c.JSON(http.StatusOK, gin.H{
			"state":      string(sess.State()),
			"filename":   sess.FileName(),
			"can_submit": sess.CanSubmit(),
		})
	})

	api.POST("/session/cancel", func(c *gin.Context) {
		operatorID, _ := auth.GetOperatorID(c.Request.Context())
		if err := uc.CancelAnalysis(operatorID); err != nil {
			c.JSON(http.StatusConflict, errorBody(err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})

	api.GET("/result/:id", func(c *gin.Context) {
		analysisID := c.Param("id")
		record, err := uc.GetOutcome(c.Request.Context(), analysisID)
		if err != nil {
			c.JSON(http.StatusNotFound, errorBody("result not found"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "success",
			"analysis_id": record.AnalysisID,
			"filename":    record.Filename,
			"created_at":  record.CreatedAt,
			"result": gin.H{
				"raw_logit":  record.RawScore,
				"class_name": record.ClassName,
				"confidence": record.Confidence,
				"model":      record.ModelID,
			},
			"interpretation": gin.H{
				"is_morphed": record.Flagged,
				"risk_level": record.RiskTier,
				"threshold":  record.Threshold,
			},
		})
	})

	api.GET("/history", func(c *gin.Context) {
		records, err := uc.History(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("failed to read history"))
			return
		}
		history := make([]gin.H, 0, len(records))
		for _, record := range records {
			history = append(history, gin.H{
				"analysis_id": record.AnalysisID,
				"timestamp":   record.CreatedAt,
				"filename":    record.Filename,
				"class_name":  record.ClassName,
				"confidence":  record.Confidence,
				"risk_level":  record.RiskTier,
			})
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "history": history})
	})

	api.POST("/calibrate", func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("multipart form is required"))
			return
		}
		files := form.File["images"]

		inputs := make([]calibration.Input, 0, len(files))
		for _, file := range files {
			if !allowedExtension(file.Filename) {
				c.JSON(http.StatusUnsupportedMediaType, errorBody("file type not allowed: "+file.Filename))
				return
			}
			data, err := readUpload(file)
			if err != nil {
				c.JSON(http.StatusInternalServerError, errorBody("failed to read "+file.Filename))
				return
			}
			inputs = append(inputs, calibration.Input{Data: data, Name: file.Filename})
		}

		bins := defaultBins
		if raw := c.PostForm("bins"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, errorBody("bins must be a positive integer"))
				return
			}
			bins = parsed
		}

		result, histogram, err := uc.Calibrate(c.Request.Context(), inputs, bins)
		if err != nil {
			c.JSON(statusForError(err), errorBody(gateway.Describe(gateway.KindOf(err))))
			return
		}

		active, recommended := uc.Thresholds()
		c.JSON(http.StatusOK, gin.H{
			"status":                "success",
			"scored":                len(result.Samples),
			"failed":                result.Failures,
			"recommended_threshold": recommended,
			"active_threshold":      active,
			"histogram":             histogram,
		})
	})

	api.GET("/threshold", func(c *gin.Context) {
		active, recommended := uc.Thresholds()
		c.JSON(http.StatusOK, gin.H{
			"status":      "success",
			"active":      active,
			"recommended": recommended,
		})
	})

	api.POST("/threshold", func(c *gin.Context) {
		var body struct {
			Value *float64 `json:"value" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("value is required"))
			return
		}
		if err := uc.ApplyThreshold(*body.Value); err != nil {
			c.JSON(statusForError(err), errorBody(err.Error()))
			return
		}
		active, recommended := uc.Thresholds()
		c.JSON(http.StatusOK, gin.H{
			"status":      "success",
			"active":      active,
			"recommended": recommended,
		})
	})
}

// analyze drives the session lifecycle for one upload and renders the
// terminal outcome.
func analyze(c *gin.Context, uc *usecase.AnalysisUseCase, operatorID string, data []byte, name string) {
	outcome, err := uc.AnalyzeImage(c.Request.Context(), operatorID, data, name)
	if err != nil {
		c.JSON(statusForError(err), errorBody(err.Error()))
		return
	}

	if outcome.Err != nil {
		c.JSON(statusForKind(outcome.Kind), gin.H{
			"status":     "error",
			"error":      gateway.Describe(outcome.Kind),
			"error_kind": string(outcome.Kind),
			"request_id": outcome.RequestID,
		})
		return
	}

	analysisID := outcome.Sample.AnalysisID
	if analysisID == "" {
		analysisID = outcome.RequestID
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"analysis_id": analysisID,
		"timestamp":   outcome.CompletedAt,
		"filename":    name,
		"result": gin.H{
			"raw_logit":  outcome.Sample.RawScore,
			"class_name": string(outcome.Sample.Label),
			"confidence": outcome.Sample.Confidence,
			"model":      outcome.Sample.ModelID,
		},
		"interpretation": gin.H{
			"is_morphed": outcome.Decision.Flagged,
			"risk_level": string(outcome.Decision.Tier),
			"threshold":  outcome.Decision.Threshold,
		},
	})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
}

func decodeBase64Image(encoded string) ([]byte, error) {
	// Browsers send data URLs; strip the "data:image/...;base64," prefix.
	if idx := strings.Index(encoded, ","); idx >= 0 {
		encoded = encoded[idx+1:]
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func allowedExtension(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

func errorBody(message string) gin.H {
	return gin.H{"status": "error", "error": message}
}

// statusForError maps session and gateway failures onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoFile), errors.Is(err, session.ErrNotInFlight):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrCancelled):
		return http.StatusConflict
	}
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return statusForKind(ge.Kind)
	}
	return http.StatusInternalServerError
}

func statusForKind(kind gateway.ErrorKind) int {
	switch kind {
	case gateway.KindInvalidInput, gateway.KindNoSamples:
		return http.StatusBadRequest
	case gateway.KindNetworkUnavailable:
		return http.StatusServiceUnavailable
	case gateway.KindServerRejected, gateway.KindMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
