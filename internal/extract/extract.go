// Package extract submits claim documents to the extraction service and
// waits for their text.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

type Extractor interface {
	Extract(ctx context.Context, claimID string, doc domain.Document) (domain.DocumentExtract, error)
}

const (
	jobSucceeded = "SUCCEEDED"
	jobFailed    = "FAILED"
)

type submitRequest struct {
	DocumentRef string `json:"documentRef"`
	DocumentID  string `json:"documentId"`
	ClaimID     string `json:"claimId"`
	MIMEType    string `json:"mimeType,omitempty"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type jobResponse struct {
	Status           string  `json:"status"`
	ExtractedTextRef string  `json:"extractedTextRef"`
	Confidence       float64 `json:"confidence"`
	Error            string  `json:"error,omitempty"`
}

// HTTPExtractor talks to an asynchronous extraction service: submit a job,
// then poll it until it settles.
type HTTPExtractor struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
	now          func() time.Time
}

func NewHTTPExtractor(baseURL string, pollInterval time.Duration, maxPolls int) *HTTPExtractor {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 30
	}
	return &HTTPExtractor{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{},
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		now:          time.Now,
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, claimID string, doc domain.Document) (domain.DocumentExtract, error) {
	var submitted submitResponse
	err := e.do(ctx, http.MethodPost, e.baseURL+"/extractions", submitRequest{
		DocumentRef: doc.Locator,
		DocumentID:  doc.ID,
		ClaimID:     claimID,
		MIMEType:    doc.MIMEType,
	}, &submitted)
	if err != nil {
		return domain.DocumentExtract{}, err
	}
	if submitted.JobID == "" {
		return domain.DocumentExtract{}, classify.Errorf(domain.CategoryInternal, "extraction submit returned no job id")
	}

	for i := 0; i < e.maxPolls; i++ {
		var job jobResponse
		if err := e.do(ctx, http.MethodGet, e.baseURL+"/extractions/"+submitted.JobID, nil, &job); err != nil {
			return domain.DocumentExtract{}, err
		}
		switch strings.ToUpper(job.Status) {
		case jobSucceeded, "COMPLETED":
			if job.ExtractedTextRef == "" {
				return domain.DocumentExtract{}, classify.Errorf(domain.CategoryInternal, "extraction job %s finished without text", submitted.JobID)
			}
			if job.Confidence < 0 || job.Confidence > 1 {
				return domain.DocumentExtract{}, classify.Errorf(domain.CategoryInternal, "extraction job %s confidence %v out of range", submitted.JobID, job.Confidence)
			}
			return domain.DocumentExtract{
				ClaimID:     claimID,
				DocumentID:  doc.ID,
				TextLocator: job.ExtractedTextRef,
				Extractor:   "http",
				Confidence:  job.Confidence,
				CreatedAt:   e.now().UTC(),
			}, nil
		case jobFailed:
			return domain.DocumentExtract{}, classify.Errorf(domain.CategoryInvalidInput, "extraction of document %s failed: %s", doc.ID, job.Error)
		}

		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.DocumentExtract{}, classify.Wrap(domain.CategoryTransient, "poll extraction", ctx.Err())
		case <-timer.C:
		}
	}
	return domain.DocumentExtract{}, classify.Errorf(domain.CategoryTransient, "extraction job %s still running after %d polls", submitted.JobID, e.maxPolls)
}

func (e *HTTPExtractor) do(ctx context.Context, method, url string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return classify.Wrap(domain.CategoryInvalidInput, "encode extraction request", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return classify.Wrap(domain.CategoryInvalidInput, "build extraction request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return classify.Wrap(domain.CategoryTransient, "extraction request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classify.Errorf(classify.FromHTTPStatus(resp.StatusCode), "extraction %s %s: status %d", method, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify.Wrap(domain.CategoryInternal, "decode extraction response", err)
	}
	return nil
}

// Passthrough treats each document locator as already-extracted text. Used in
// local mode where documents are plain text objects.
type Passthrough struct {
	Now func() time.Time
}

func (p Passthrough) Extract(_ context.Context, claimID string, doc domain.Document) (domain.DocumentExtract, error) {
	if doc.Locator == "" {
		return domain.DocumentExtract{}, classify.Errorf(domain.CategoryInvalidInput, "document %s has no locator", doc.ID)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return domain.DocumentExtract{
		ClaimID:     claimID,
		DocumentID:  doc.ID,
		TextLocator: doc.Locator,
		Extractor:   "passthrough",
		Confidence:  1,
		CreatedAt:   now().UTC(),
	}, nil
}

var (
	_ Extractor = (*HTTPExtractor)(nil)
	_ Extractor = Passthrough{}
)
