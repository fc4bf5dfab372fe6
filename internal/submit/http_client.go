package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"go.uber.org/zap"
)

// HTTPClient submits ledger entities to the accounting backend's REST
// API. Transient statuses surface as RetryableError so the resilient
// decorator retries them; 4xx responses are permanent rejections.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPClient(baseURL, token string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		log:     log.Named("submit.http"),
	}
}

type entityPayload struct {
	Kind             string        `json:"kind"`
	Source           string        `json:"source"`
	SourceID         string        `json:"source_id"`
	Regime           string        `json:"regime"`
	Rate             string        `json:"rate"`
	AccountCode      string        `json:"account_code"`
	Currency         string        `json:"currency"`
	CustomerRef      *string       `json:"customer_reference,omitempty"`
	BuyerCountry     string        `json:"buyer_country"`
	NetTotal         string        `json:"net_total"`
	TaxTotal         string        `json:"tax_total"`
	GrossTotal       string        `json:"gross_total"`
	RoundingAdj      string        `json:"rounding_adjustment"`
	ReversesRemoteID *string       `json:"reverses_remote_id,omitempty"`
	DocumentDate     string        `json:"document_date"`
	Lines            []linePayload `json:"lines"`
}

type linePayload struct {
	Position    int    `json:"position"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	Net         string `json:"net"`
	Tax         string `json:"tax"`
	Gross       string `json:"gross"`
	Rate        string `json:"rate"`
	AccountCode string `json:"account_code"`
}

type submitResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (c *HTTPClient) Submit(ctx context.Context, entity *ledgerdomain.Entity) (string, error) {
	body, err := json.Marshal(toPayload(entity))
	if err != nil {
		return "", fmt.Errorf("encode entity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ledger-entities", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed submitResponse
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
			return "", &RetryableError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed backend response")}
		}
		return parsed.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &RetryableError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(raw)))}
	default:
		var parsed submitResponse
		_ = json.Unmarshal(raw, &parsed)
		reason := parsed.Message
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		return "", &RejectedError{StatusCode: resp.StatusCode, Reason: reason}
	}
}

func toPayload(entity *ledgerdomain.Entity) entityPayload {
	payload := entityPayload{
		Kind:             string(entity.Kind),
		Source:           entity.Source,
		SourceID:         entity.SourceID,
		Regime:           string(entity.Regime),
		Rate:             entity.Rate.String(),
		AccountCode:      string(entity.AccountCode),
		Currency:         entity.Currency,
		CustomerRef:      entity.CustomerReference,
		BuyerCountry:     entity.BuyerCountry,
		NetTotal:         entity.NetTotal.StringFixed(2),
		TaxTotal:         entity.TaxTotal.StringFixed(2),
		GrossTotal:       entity.GrossTotal.StringFixed(2),
		RoundingAdj:      entity.RoundingAdjustment.StringFixed(2),
		ReversesRemoteID: entity.ReversesRemoteID,
		DocumentDate:     entity.DocumentDate.Format("2006-01-02"),
		Lines:            make([]linePayload, 0, len(entity.Lines)),
	}
	for _, line := range entity.Lines {
		payload.Lines = append(payload.Lines, linePayload{
			Position:    line.Position,
			Description: line.Description,
			Quantity:    line.Quantity,
			Net:         line.Net.StringFixed(2),
			Tax:         line.Tax.StringFixed(2),
			Gross:       line.Gross.StringFixed(2),
			Rate:        line.Rate.String(),
			AccountCode: string(line.AccountCode),
		})
	}
	return payload
}
