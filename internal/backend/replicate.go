package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/utils"
)

const (
	defaultReplicateURL = "https://api.replicate.com/v1"
	pollInterval        = 2 * time.Second

	// Outputs smaller than these are treated as invalid; models
	// occasionally return an error page or an empty file with status 200.
	minImageBytes = 1 << 10
	minVideoBytes = 10 << 10

	// maxOutputBytes caps the result download.
	maxOutputBytes = 64 << 20
)

// modelForTariff maps billing tariffs to hosted model slugs.
var modelForTariff = map[string]string{
	"nano_banana_pro": "google/nano-banana-pro",
	"riverflow_pro":   "sourceful/riverflow-1-pro",
	"flux_2_pro":      "black-forest-labs/flux-2-pro",
	"kling_video_5s":  "kwaivgi/kling-v2.5-turbo-pro",
	"kling_video_10s": "kwaivgi/kling-v2.5-turbo-pro",
}

// ReplicateClient implements Invoker against the Replicate predictions API.
type ReplicateClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewReplicateClient creates a Replicate-backed invoker.
func NewReplicateClient(token string) *ReplicateClient {
	return &ReplicateClient{
		baseURL: defaultReplicateURL,
		token:   token,
		// No client timeout; every call runs under the caller's ctx and
		// predictions legitimately take minutes.
		httpc: &http.Client{},
	}
}

// NewReplicateClientWithBaseURL is used by tests to point at a stub server.
func NewReplicateClientWithBaseURL(token, baseURL string) *ReplicateClient {
	c := NewReplicateClient(token)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Invoke creates a prediction, polls it to a terminal state and downloads
// the produced artifact.
func (c *ReplicateClient) Invoke(ctx context.Context, tariff string, job domain.Job) (*Result, error) {
	model, ok := modelForTariff[tariff]
	if !ok {
		return nil, &domain.BackendError{Kind: domain.BackendRejected, Err: fmt.Errorf("no model for tariff %q", tariff)}
	}

	input, err := buildInput(job)
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendRejected, Err: err}
	}

	pred, err := c.createPrediction(ctx, model, input)
	if err != nil {
		return nil, err
	}

	pred, err = c.waitForPrediction(ctx, pred)
	if err != nil {
		return nil, err
	}

	outputURL, err := firstOutputURL(pred.Output)
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendProducedInvalid, Err: err}
	}

	data, err := c.download(ctx, outputURL)
	if err != nil {
		return nil, err
	}

	kind := MediaImage
	minSize := minImageBytes
	if job.Kind.IsVideo() {
		kind = MediaVideo
		minSize = minVideoBytes
	}
	if len(data) < minSize {
		return nil, &domain.BackendError{
			Kind: domain.BackendProducedInvalid,
			Err:  fmt.Errorf("output too small: %d bytes", len(data)),
		}
	}

	return &Result{Kind: kind, Data: data}, nil
}

func (c *ReplicateClient) createPrediction(ctx context.Context, model string, input map[string]interface{}) (*prediction, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: err}
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &domain.BackendError{Kind: domain.BackendRejected, Err: fmt.Errorf("model rejected input: %s", data)}
	case resp.StatusCode >= 500:
		return nil, &domain.BackendError{Kind: domain.BackendUnavailable, Err: fmt.Errorf("model backend returned %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: fmt.Errorf("model backend returned %d: %s", resp.StatusCode, data)}
	}

	var pred prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: err}
	}
	return &pred, nil
}

// waitForPrediction polls until the prediction reaches a terminal state or
// ctx expires.
func (c *ReplicateClient) waitForPrediction(ctx context.Context, pred *prediction) (*prediction, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		switch pred.Status {
		case "succeeded":
			return pred, nil
		case "failed", "canceled":
			kind := domain.BackendRejected
			if pred.Error == "" {
				kind = domain.BackendUnknown
			}
			return nil, &domain.BackendError{Kind: kind, Err: fmt.Errorf("prediction %s: %s", pred.Status, pred.Error)}
		}

		select {
		case <-ctx.Done():
			return nil, wrapTransport(ctx, ctx.Err())
		case <-ticker.C:
		}

		next, err := c.getPrediction(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
		pred = next
	}
}

func (c *ReplicateClient) getPrediction(ctx context.Context, id string) (*prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.BackendError{Kind: domain.BackendUnavailable, Err: fmt.Errorf("prediction poll returned %d", resp.StatusCode)}
	}

	var pred prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: err}
	}
	return &pred, nil
}

func (c *ReplicateClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendUnknown, Err: err}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.BackendError{Kind: domain.BackendProducedInvalid, Err: fmt.Errorf("output download returned %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}
	utils.Debug("downloaded model output", "bytes", len(data))
	return data, nil
}

// wrapTransport classifies transport-level failures: a blown deadline is a
// timeout, everything else means the backend was unreachable.
func wrapTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.BackendError{Kind: domain.BackendTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &domain.BackendError{Kind: domain.BackendTimeout, Err: err}
	}
	return &domain.BackendError{Kind: domain.BackendUnavailable, Err: err}
}

// buildInput translates a job variant into the model's input document.
func buildInput(job domain.Job) (map[string]interface{}, error) {
	switch job.Kind {
	case domain.JobEditImage:
		images := make([]string, 0, len(job.Edit.ImagesHex))
		for _, h := range job.Edit.ImagesHex {
			uri, err := hexToDataURI(h)
			if err != nil {
				return nil, err
			}
			images = append(images, uri)
		}
		input := map[string]interface{}{
			"prompt":      job.Edit.Prompt,
			"image_input": images,
		}
		if job.Edit.AspectRatio != "" {
			input["aspect_ratio"] = job.Edit.AspectRatio
		}
		return input, nil

	case domain.JobGenerateImage:
		input := map[string]interface{}{"prompt": job.Generate.Prompt}
		if job.Generate.AspectRatio != "" {
			input["aspect_ratio"] = job.Generate.AspectRatio
		}
		return input, nil

	case domain.JobAnimatePhoto:
		uri, err := hexToDataURI(job.Animate.ImageHex)
		if err != nil {
			return nil, err
		}
		prompt := job.Animate.Prompt
		if prompt == "" {
			prompt = "subtle natural motion"
		}
		return map[string]interface{}{
			"start_image": uri,
			"prompt":      prompt,
			"duration":    5,
		}, nil

	case domain.JobGenerateVideo:
		input := map[string]interface{}{
			"prompt":   job.Video.Prompt,
			"duration": job.Video.DurationSec,
		}
		if job.Video.ImageHex != "" {
			uri, err := hexToDataURI(job.Video.ImageHex)
			if err != nil {
				return nil, err
			}
			input["start_image"] = uri
		}
		if job.Video.AspectRatio != "" {
			input["aspect_ratio"] = job.Video.AspectRatio
		}
		return input, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", job.Kind)
}

func hexToDataURI(h string) (string, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("bad image payload: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw), nil
}

// firstOutputURL extracts the artifact URL from the prediction output,
// which is either a bare string or an array of strings.
func firstOutputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("prediction produced no output")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0] != "" {
		return many[0], nil
	}
	return "", fmt.Errorf("unrecognized prediction output: %s", truncateRaw(raw))
}

func truncateRaw(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
