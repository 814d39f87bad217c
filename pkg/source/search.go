package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Errors returned by Search.
var (
	// ErrBadURL is returned when the search URL is not an absolute http(s) URL.
	ErrBadURL = errors.New("bad search url")

	// ErrBadResponse is returned when the search endpoint does not answer 200 OK.
	ErrBadResponse = errors.New("bad search response")

	// ErrDecode is returned when the search response cannot be decoded.
	ErrDecode = errors.New("decode search response")
)

// maxSearchBytes caps the search response body.
const maxSearchBytes = 10 << 20

var validate = validator.New()

// Doer executes HTTP requests. *http.Client and *fetch.Fetcher satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// searchResponse is the subset of a photo search response we use.
type searchResponse struct {
	Results []struct {
		URLs struct {
			Raw   string `json:"raw"`
			Small string `json:"small"`
		} `json:"urls"`
	} `json:"results"`
}

// Search resolves identifiers from a photo search endpoint. URL is used as
// given; query construction and credentials are the caller's business.
type Search struct {
	URL     string
	Variant Variant
	client  Doer
	logger  zerolog.Logger
}

// NewSearch creates a search provider. A nil client uses http.DefaultClient.
func NewSearch(searchURL string, variant Variant, client Doer, logger zerolog.Logger) *Search {
	if client == nil {
		client = http.DefaultClient
	}
	if variant == "" {
		variant = VariantSmall
	}
	return &Search{
		URL:     searchURL,
		Variant: variant,
		client:  client,
		logger:  logger.With().Str("component", "source").Logger(),
	}
}

// Identifiers fetches the search results and maps every result to the URL
// of the configured variant, keeping the response order.
func (s *Search) Identifiers(ctx context.Context) ([]string, error) {
	if err := validate.Var(s.URL, "required,http_url"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn().
			Int("status", resp.StatusCode).
			Msg("Search endpoint returned unexpected status")
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchBytes)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	ids := make([]string, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		switch s.Variant {
		case VariantRaw:
			ids = append(ids, r.URLs.Raw)
		default:
			ids = append(ids, r.URLs.Small)
		}
	}

	s.logger.Debug().
		Int("results", len(ids)).
		Str("variant", string(s.Variant)).
		Msg("Resolved search results")

	return ids, nil
}
