package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"go.uber.org/zap"
)

const (
	offersPath       = "/rest/v1/training_offers"
	participantsPath = "/rest/v1/training_offer_participants"
	healthPath       = "/rest/v1/"

	offerSelect       = "*,profiles(first_name,last_name),training_offer_participants(user_id)"
	participantSelect = "*,profiles(first_name,last_name)"

	defaultRequestTimeout = 10 * time.Second
	maxErrorBodyBytes     = 4096
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingAPIKey  = errors.New("remote: api key is required")
	errEmptyResponse  = errors.New("remote: empty representation")
)

// ClientConfig describes a REST backend connection.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	UserID      offers.UserID
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      *zap.Logger
}

// Client implements Backend over the PostgREST-style HTTP API.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	accessToken string
	userID      offers.UserID
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     parsed,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		accessToken: strings.TrimSpace(cfg.AccessToken),
		userID:      cfg.UserID,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type participantRef struct {
	UserID string `json:"user_id"`
}

type offerRow struct {
	offers.TrainingOffer
	Participants []participantRef `json:"training_offer_participants"`
}

func (c *Client) toOffer(row offerRow) offers.TrainingOffer {
	offer := row.TrainingOffer
	offer.ParticipantCount = len(row.Participants)
	offer.IsParticipating = false
	for _, participant := range row.Participants {
		if participant.UserID == c.userID.String() {
			offer.IsParticipating = true
			break
		}
	}
	return offer
}

func (c *Client) ListOffers(ctx context.Context) ([]offers.TrainingOffer, error) {
	query := url.Values{}
	query.Set("select", offerSelect)
	query.Set("order", "created_at.desc")

	var rows []offerRow
	if err := c.do(ctx, "list_offers", http.MethodGet, offersPath, query, nil, &rows); err != nil {
		return nil, err
	}
	list := make([]offers.TrainingOffer, 0, len(rows))
	for _, row := range rows {
		list = append(list, c.toOffer(row))
	}
	return list, nil
}

type createOfferBody struct {
	UserID      string    `json:"user_id"`
	SportType   string    `json:"sport_type"`
	Location    string    `json:"location"`
	DateTime    time.Time `json:"date_time"`
	Description string    `json:"description,omitempty"`
}

func (c *Client) CreateOffer(ctx context.Context, draft offers.Draft) (offers.TrainingOffer, error) {
	body := createOfferBody{
		UserID:      c.userID.String(),
		SportType:   draft.SportType,
		Location:    draft.Location,
		DateTime:    draft.DateTime.UTC(),
		Description: draft.Description,
	}
	query := url.Values{}
	query.Set("select", offerSelect)

	var rows []offerRow
	if err := c.do(ctx, "create_offer", http.MethodPost, offersPath, query, body, &rows); err != nil {
		return offers.TrainingOffer{}, err
	}
	if len(rows) == 0 {
		return offers.TrainingOffer{}, Rejection("create_offer", http.StatusOK, fmt.Errorf("%w: %v", ErrUnreadableResponse, errEmptyResponse))
	}
	return c.toOffer(rows[0]), nil
}

func (c *Client) UpdateOffer(ctx context.Context, id offers.OfferID, updates offers.Updates) (offers.TrainingOffer, error) {
	if id.IsPendingLocal() {
		return offers.TrainingOffer{}, Rejection("update_offer", 0, ErrPendingLocalID)
	}
	query := url.Values{}
	query.Set("id", "eq."+id.String())
	query.Set("select", offerSelect)

	var rows []offerRow
	if err := c.do(ctx, "update_offer", http.MethodPatch, offersPath, query, updates, &rows); err != nil {
		return offers.TrainingOffer{}, err
	}
	if len(rows) == 0 {
		return offers.TrainingOffer{}, Rejection("update_offer", http.StatusNotFound, errEmptyResponse)
	}
	return c.toOffer(rows[0]), nil
}

func (c *Client) DeleteOffer(ctx context.Context, id offers.OfferID) error {
	if id.IsPendingLocal() {
		return Rejection("delete_offer", 0, ErrPendingLocalID)
	}
	query := url.Values{}
	query.Set("id", "eq."+id.String())
	return c.do(ctx, "delete_offer", http.MethodDelete, offersPath, query, nil, nil)
}

type participantBody struct {
	TrainingOfferID string `json:"training_offer_id"`
	UserID          string `json:"user_id"`
}

func (c *Client) JoinOffer(ctx context.Context, id offers.OfferID) error {
	if id.IsPendingLocal() {
		return Rejection("join_offer", 0, ErrPendingLocalID)
	}
	body := participantBody{TrainingOfferID: id.String(), UserID: c.userID.String()}
	return c.do(ctx, "join_offer", http.MethodPost, participantsPath, nil, body, nil)
}

func (c *Client) LeaveOffer(ctx context.Context, id offers.OfferID) error {
	return c.RemoveParticipant(ctx, id, c.userID.String())
}

func (c *Client) ListParticipants(ctx context.Context, id offers.OfferID, limit int) ([]offers.Participant, error) {
	if id.IsPendingLocal() {
		return nil, Rejection("list_participants", 0, ErrPendingLocalID)
	}
	query := url.Values{}
	query.Set("training_offer_id", "eq."+id.String())
	query.Set("select", participantSelect)
	query.Set("order", "created_at.asc")
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var participants []offers.Participant
	if err := c.do(ctx, "list_participants", http.MethodGet, participantsPath, query, nil, &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

func (c *Client) RemoveParticipant(ctx context.Context, id offers.OfferID, userID string) error {
	if id.IsPendingLocal() {
		return Rejection("remove_participant", 0, ErrPendingLocalID)
	}
	query := url.Values{}
	query.Set("training_offer_id", "eq."+id.String())
	query.Set("user_id", "eq."+userID)
	return c.do(ctx, "remove_participant", http.MethodDelete, participantsPath, query, nil, nil)
}

// Ping checks that the backend answers at all. Any HTTP response counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	request, err := c.newRequest(ctx, http.MethodHead, healthPath, nil, nil)
	if err != nil {
		return NetworkError("ping", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return NetworkError("ping", err)
	}
	_ = response.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := *c.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("apikey", c.apiKey)
	bearer := c.accessToken
	if bearer == "" {
		bearer = c.apiKey
	}
	request.Header.Set("Authorization", "Bearer "+bearer)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Rejection(op, 0, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(encoded)
	}

	request, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return Rejection(op, 0, err)
	}
	if target != nil && method != http.MethodGet {
		request.Header.Set("Prefer", "return=representation")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("operation", op),
			zap.String("method", method),
			zap.Error(err))
		return NetworkError(op, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		message, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		text := strings.TrimSpace(string(message))
		if text == "" {
			text = http.StatusText(response.StatusCode)
		}
		cause := errors.New(text)
		if isTransientStatus(response.StatusCode) {
			return &Error{Kind: KindNetwork, Op: op, Status: response.StatusCode, Err: cause}
		}
		return Rejection(op, response.StatusCode, cause)
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return Rejection(op, response.StatusCode, fmt.Errorf("%w: %v", ErrUnreadableResponse, err))
	}
	return nil
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
