package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ErlanBelekov/stockorder/internal/domain"
)

// Call carries per-call accounting common to every response.
type Call struct {
	Attempts int `json:"-"`
}

// Status is the normalized upstream order/job state.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// NormalizeStatus folds the many spellings the upstream uses into three states.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ready", "completed", "complete", "done", "success", "succeeded", "finished":
		return StatusReady
	case "error", "failed", "failure", "cancelled", "canceled", "rejected", "expired":
		return StatusFailed
	default:
		return StatusPending
	}
}

// flexID accepts ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type SearchFilters struct {
	Page  int
	Limit int
	Type  string // photo, vector, video, ...
}

type SearchItem struct {
	ID         flexID   `json:"id"`
	Site       string   `json:"site,omitempty"`
	Title      string   `json:"title,omitempty"`
	Type       string   `json:"type,omitempty"`
	PreviewURL string   `json:"preview_url,omitempty"`
	Price      *float64 `json:"price,omitempty"`
}

type SearchResult struct {
	Call
	Results []SearchItem `json:"results"`
	Total   int          `json:"total"`
}

type createOrderRequest struct {
	SiteID  string `json:"site_id"`
	StockID string `json:"stock_id"`
}

type createOrderResponse struct {
	OrderID flexID `json:"order_id"`
	TaskID  flexID `json:"task_id"`
}

type OrderRef struct {
	Call
	OrderHandle string
}

type orderStatusResponse struct {
	Status       string   `json:"status"`
	Progress     *float64 `json:"progress"`
	DownloadLink string   `json:"downloadLink"`
	FileName     string   `json:"fileName"`
	Message      string   `json:"message"`
}

// JobStatus is the normalized result of GetOrderStatus / GetAIJobStatus.
type JobStatus struct {
	Call
	State    Status
	Raw      string
	Progress *int
	// Result is set when the status payload already carries a download link.
	Result  *domain.DownloadRef
	Message string
}

type downloadResponse struct {
	DownloadLink string `json:"downloadLink"`
	FileName     string `json:"fileName"`
}

type DownloadLink struct {
	Call
	domain.DownloadRef
}

type createAIJobRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
	Size   string `json:"size"`
}

type createAIJobResponse struct {
	JobID flexID `json:"job_id"`
}

type AIJobRef struct {
	Call
	JobHandle string
}

type aiJobStatusResponse struct {
	Status             string   `json:"status"`
	PercentageComplete *float64 `json:"percentage_complete"`
	ImageURL           string   `json:"image_url"`
	ResultURL          string   `json:"result_url"`
	FileName           string   `json:"file_name"`
	Error              string   `json:"error"`
}

type Credits struct {
	Call
	Balance float64 `json:"balance"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func clampProgress(p *float64) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	v = max(0, min(100, v))
	return &v
}
