package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"time"
)

// TokenHeader carries the per-device credential
const TokenHeader = "x-device-token"

// TokenSource supplies the credential sent with every upload
type TokenSource interface {
	Token() (string, error)
}

// HTTPIngestor posts snapshots as multipart forms to the ingestion endpoint
type HTTPIngestor struct {
	url        string
	tokens     TokenSource
	httpClient *http.Client
}

// ingestResponse is the ingestion endpoint reply
type ingestResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Defect *struct {
		ID        string `json:"id"`
		ImageURL  string `json:"image_url"`
		ImagePath string `json:"image_path"`
	} `json:"defect,omitempty"`
}

// NewHTTPIngestor creates an ingestor for url. tokens may be nil.
func NewHTTPIngestor(url string, tokens TokenSource, timeout time.Duration) *HTTPIngestor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPIngestor{
		url:        url,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPIngestor) Name() string { return "http" }

// Ingest sends one snapshot with its metadata
func (h *HTTPIngestor) Ingest(ctx context.Context, u *Upload) (Reference, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	ev := u.Event
	fields := [][2]string{
		{"defect_type", ev.Label},
		{"device_id", ev.DeviceID},
		{"time_text", ev.Timestamp.Format("[15:04:05]")},
		{"time_iso", ev.Timestamp.UTC().Format(time.RFC3339Nano)},
		{"confidence", strconv.FormatFloat(float64(ev.Confidence), 'f', 4, 32)},
		{"event_id", ev.ID.String()},
	}
	if ev.BBox != nil {
		fields = append(fields, [2]string{"bbox", ev.BBox.CSV()})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return Reference{}, fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}

	part, err := writer.CreateFormFile("file", path.Base(ObjectKey(ev)))
	if err != nil {
		return Reference{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(u.JPEG); err != nil {
		return Reference{}, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Reference{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &body)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if h.tokens != nil {
		token, err := h.tokens.Token()
		if err != nil {
			return Reference{}, fmt.Errorf("failed to get device token: %w", err)
		}
		if token != "" {
			req.Header.Set(TokenHeader, token)
		}
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to send upload: %w", err)
	}
	defer resp.Body.Close()

	return h.handleResponse(resp)
}

func (h *HTTPIngestor) handleResponse(resp *http.Response) (Reference, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reference{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reference{}, fmt.Errorf("ingest returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var ir ingestResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return Reference{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !ir.OK {
		return Reference{}, fmt.Errorf("ingest rejected upload: %s", ir.Error)
	}

	var ref Reference
	if ir.Defect != nil {
		ref.URL = ir.Defect.ImageURL
		ref.Path = ir.Defect.ImagePath
	}
	return ref, nil
}
