package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/morphgate/internal/logging"
)

// Client talks HTTP+JSON to the morph-detection model service.
type Client struct {
	baseURL  string
	http     *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewClient builds a gateway client for the service at baseURL. Calls that
// receive no response within timeout fail with KindNetworkUnavailable.
func NewClient(baseURL string, timeout time.Duration, maxBytes int64, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger.Named("gateway"),
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ModelType   string `json:"model_type"`
}

type analyzeResponse struct {
	Status     string `json:"status"`
	AnalysisID string `json:"analysis_id"`
	Timestamp  string `json:"timestamp"`
	Result     *struct {
		RawLogit       *float64 `json:"raw_logit"`
		PredictedClass int      `json:"predicted_class"`
		ClassName      string   `json:"class_name"`
		Confidence     float64  `json:"confidence"`
		Model          string   `json:"model"`
	} `json:"result"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Probe checks whether the model service is reachable and healthy.
func (c *Client) Probe(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, NewError(KindNetworkUnavailable, "building probe request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(KindNetworkUnavailable, "probe failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewError(KindServerRejected, fmt.Sprintf("probe returned status %d", resp.StatusCode), nil)
	}
	var payload healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, NewError(KindMalformedResponse, "decoding probe response", err)
	}
	if payload.Status != "healthy" {
		return nil, NewError(KindServerRejected, fmt.Sprintf("service reported status %q", payload.Status), nil)
	}
	return &Health{Status: payload.Status, ModelLoaded: payload.ModelLoaded, ModelType: payload.ModelType}, nil
}

// Score sends one image as a multipart upload and normalizes the response.
// The name is advisory only; the model ignores it.
func (c *Client) Score(ctx context.Context, data []byte, name string) (*ScoreSample, error) {
	if err := ValidateImage(data, c.maxBytes); err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, NewError(KindInvalidInput, "building multipart body", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, NewError(KindInvalidInput, "writing image payload", err)
	}
	if err := writer.Close(); err != nil {
		return nil, NewError(KindInvalidInput, "closing multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze", body)
	if err != nil {
		return nil, NewError(KindNetworkUnavailable, "building score request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := NewError(KindNetworkUnavailable, "score call failed", err)
		c.logger.Warn("score call failed", zap.Error(logging.NewOperationError("gateway.score", "", wrapped)), zap.String("filename", name))
		return nil, wrapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError(KindNetworkUnavailable, "reading score response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var payload errorResponse
		if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
			return nil, NewError(KindServerRejected, payload.Error, nil)
		}
		return nil, NewError(KindServerRejected, fmt.Sprintf("score returned status %d", resp.StatusCode), nil)
	}

	var payload analyzeResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewError(KindMalformedResponse, "decoding score response", err)
	}
	return normalizeSample(&payload)
}

// normalizeSample converts the wire payload into a ScoreSample, rejecting
// payloads missing the fields the contract requires.
func normalizeSample(payload *analyzeResponse) (*ScoreSample, error) {
	if payload.Status != "success" || payload.Result == nil {
		return nil, NewError(KindMalformedResponse, "response missing result", nil)
	}
	if payload.Result.RawLogit == nil {
		return nil, NewError(KindMalformedResponse, "response missing raw logit", nil)
	}
	label := Label(payload.Result.ClassName)
	if label != LabelMorphed && label != LabelGenuine {
		return nil, NewError(KindMalformedResponse, fmt.Sprintf("unknown class name %q", payload.Result.ClassName), nil)
	}

	ts, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return &ScoreSample{
		AnalysisID: payload.AnalysisID,
		RawScore:   *payload.Result.RawLogit,
		Label:      label,
		Confidence: payload.Result.Confidence,
		ModelID:    payload.Result.Model,
		Timestamp:  ts,
	}, nil
}

// ValidateImage applies the input constraints shared by every submission
// path: non-empty and under the configured maximum size.
func ValidateImage(data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return NewError(KindInvalidInput, "image buffer is empty", nil)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return NewError(KindInvalidInput, fmt.Sprintf("image exceeds maximum size of %d bytes", maxBytes), nil)
	}
	return nil
}
