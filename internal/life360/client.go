package life360

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURLString         = "https://api.life360.com"
	circlesPath                  = "/v3/circles"
	circleMembersPathFormat      = "/v3/circles/%s/members"
	circleMemberPathFormat       = "/v3/circles/%s/members/%s"
	locationUpdateRequestFormat  = "/v3/circles/%s/members/%s/request"
	authorizationHeaderName      = "Authorization"
	acceptHeaderName             = "Accept"
	acceptHeaderValue            = "application/json"
	etagHeaderName               = "ETag"
	ifNoneMatchHeaderName        = "If-None-Match"
	retryAfterHeaderName         = "Retry-After"
	userAgentHeaderName          = "User-Agent"
	userAgentHeaderValue         = "circlesync/1.0"
	circlesResponseKey           = "circles"
	membersResponseKey           = "members"
	defaultDialTimeout           = 15 * time.Second
	defaultTLSHandshakeTimeout   = 15 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultHTTPTimeout           = 60 * time.Second
	errMessageBuildRequest       = "build request"
	errMessageIssueRequest       = "issue request"
	errMessageReadBody           = "read response body"
	errMessageLoginRejected      = "authorization rejected by server"
	logMessageRequest            = "issuing service request"
	logFieldClient               = "client"
	logFieldURL                  = "url"
	verbosityRequestLogging      = 3
)

// Client is the capability object used to reach the location-sharing service
// on behalf of one account. Implementations must classify failures into the
// typed errors of this package.
type Client interface {
	// Circles returns every Circle visible to the account.
	Circles(ctx context.Context) ([]Circle, error)

	// CircleMembers returns the Member roster of one Circle.
	CircleMembers(ctx context.Context, circleID CircleID) ([]Member, error)

	// CircleMember returns one Member as seen from one Circle. When
	// raiseNotModified is true an unchanged server record is reported as
	// ErrNotModified instead of being re-decoded.
	CircleMember(ctx context.Context, circleID CircleID, memberID MemberID, raiseNotModified bool) (Member, error)

	// RequestLocationUpdate asks the service to refresh one Member's location.
	RequestLocationUpdate(ctx context.Context, circleID CircleID, memberID MemberID) error

	// SetAuthorization replaces the account's authorization token in place.
	SetAuthorization(authorization string)

	// SetName replaces the display name used in logs for this client.
	SetName(name string)

	// SetVerbosity replaces the logging verbosity level.
	SetVerbosity(verbosity int)

	// ClearSessionState discards cached cookies and validators after a login
	// failure so the next request performs a fresh credential exchange.
	ClearSessionState()
}

// HTTPClientConfig configures an HTTPClient instance.
type HTTPClientConfig struct {
	BaseURL       string
	Authorization string
	Name          string
	Verbosity     int
	Logger        *zap.Logger
	HTTPClient    *http.Client
}

// HTTPClient implements Client against the service REST API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger

	stateMutex    sync.Mutex
	authorization string
	name          string
	verbosity     int
	etags         map[string]string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs an HTTPClient from configuration values.
func NewHTTPClient(configuration HTTPClientConfig) *HTTPClient {
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
			Jar:     jar,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
				TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
				ResponseHeaderTimeout: defaultResponseHeaderTimeout,
			},
		}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := configuration.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLString
	}
	return &HTTPClient{
		httpClient:    httpClient,
		baseURL:       baseURL,
		logger:        logger,
		authorization: configuration.Authorization,
		name:          configuration.Name,
		verbosity:     configuration.Verbosity,
		etags:         map[string]string{},
	}
}

// Circles implements Client.
func (client *HTTPClient) Circles(ctx context.Context) ([]Circle, error) {
	payload, fetchErr := client.getJSON(ctx, circlesPath, "")
	if fetchErr != nil {
		return nil, fetchErr
	}
	rawCircles, listErr := listField(payload, circlesResponseKey)
	if listErr != nil {
		return nil, listErr
	}
	circles := make([]Circle, 0, len(rawCircles))
	for _, rawCircle := range rawCircles {
		circle, decodeErr := decodeCircle(rawCircle)
		if decodeErr != nil {
			return nil, decodeErr
		}
		circles = append(circles, circle)
	}
	return circles, nil
}

// CircleMembers implements Client.
func (client *HTTPClient) CircleMembers(ctx context.Context, circleID CircleID) ([]Member, error) {
	payload, fetchErr := client.getJSON(ctx, fmt.Sprintf(circleMembersPathFormat, url.PathEscape(string(circleID))), "")
	if fetchErr != nil {
		return nil, fetchErr
	}
	rawMembers, listErr := listField(payload, membersResponseKey)
	if listErr != nil {
		return nil, listErr
	}
	members := make([]Member, 0, len(rawMembers))
	for _, rawMember := range rawMembers {
		member, decodeErr := decodeMember(rawMember)
		if decodeErr != nil {
			return nil, decodeErr
		}
		members = append(members, member)
	}
	return members, nil
}

// CircleMember implements Client.
func (client *HTTPClient) CircleMember(ctx context.Context, circleID CircleID, memberID MemberID, raiseNotModified bool) (Member, error) {
	requestPath := fmt.Sprintf(circleMemberPathFormat, url.PathEscape(string(circleID)), url.PathEscape(string(memberID)))
	etagKey := ""
	if raiseNotModified {
		etagKey = requestPath
	}
	payload, fetchErr := client.getJSON(ctx, requestPath, etagKey)
	if fetchErr != nil {
		return Member{}, fetchErr
	}
	return decodeMember(payload)
}

// RequestLocationUpdate implements Client.
func (client *HTTPClient) RequestLocationUpdate(ctx context.Context, circleID CircleID, memberID MemberID) error {
	requestPath := fmt.Sprintf(locationUpdateRequestFormat, url.PathEscape(string(circleID)), url.PathEscape(string(memberID)))
	_, fetchErr := client.doJSON(ctx, http.MethodPost, requestPath, "")
	return fetchErr
}

// SetAuthorization implements Client.
func (client *HTTPClient) SetAuthorization(authorization string) {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.authorization = authorization
}

// SetName implements Client.
func (client *HTTPClient) SetName(name string) {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.name = name
}

// SetVerbosity implements Client.
func (client *HTTPClient) SetVerbosity(verbosity int) {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.verbosity = verbosity
}

// ClearSessionState implements Client.
func (client *HTTPClient) ClearSessionState() {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.etags = map[string]string{}
	if jar, jarErr := cookiejar.New(nil); jarErr == nil {
		client.httpClient.Jar = jar
	}
}

func (client *HTTPClient) getJSON(ctx context.Context, requestPath string, etagKey string) (map[string]any, error) {
	return client.doJSON(ctx, http.MethodGet, requestPath, etagKey)
}

func (client *HTTPClient) doJSON(ctx context.Context, method string, requestPath string, etagKey string) (map[string]any, error) {
	client.stateMutex.Lock()
	authorization := client.authorization
	clientName := client.name
	verbosity := client.verbosity
	cachedETag := ""
	if etagKey != "" {
		cachedETag = client.etags[etagKey]
	}
	client.stateMutex.Unlock()

	requestURL := client.baseURL + requestPath
	request, requestErr := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if requestErr != nil {
		return nil, &ServiceError{Message: fmt.Sprintf("%s: %s", errMessageBuildRequest, requestErr)}
	}
	request.Header.Set(authorizationHeaderName, authorization)
	request.Header.Set(acceptHeaderName, acceptHeaderValue)
	request.Header.Set(userAgentHeaderName, userAgentHeaderValue)
	if cachedETag != "" {
		request.Header.Set(ifNoneMatchHeaderName, cachedETag)
	}

	if verbosity >= verbosityRequestLogging {
		client.logger.Debug(logMessageRequest,
			zap.String(logFieldClient, clientName),
			zap.String(logFieldURL, requestURL),
		)
	}

	response, responseErr := client.httpClient.Do(request)
	if responseErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ServiceError{Message: fmt.Sprintf("%s: %s", errMessageIssueRequest, responseErr)}
	}
	defer func() {
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusNotModified:
		return nil, ErrNotModified
	case response.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, &LoginError{Message: errMessageLoginRejected}
	case response.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(response.Header.Get(retryAfterHeaderName))}
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return nil, &ServiceError{StatusCode: response.StatusCode, Message: response.Status}
	}

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, &ServiceError{Message: fmt.Sprintf("%s: %s", errMessageReadBody, readErr)}
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if unmarshalErr := json.Unmarshal(body, &payload); unmarshalErr != nil {
			return nil, &DecodeError{Field: requestPath, Message: unmarshalErr.Error()}
		}
	}

	if etagKey != "" {
		if etag := response.Header.Get(etagHeaderName); etag != "" {
			client.stateMutex.Lock()
			client.etags[etagKey] = etag
			client.stateMutex.Unlock()
		}
	}

	return payload, nil
}

func listField(payload map[string]any, field string) ([]map[string]any, error) {
	value, present := payload[field]
	if !present {
		return nil, &DecodeError{Field: field, Message: "missing required field"}
	}
	rawList, isList := value.([]any)
	if !isList {
		return nil, &DecodeError{Field: field, Message: fmt.Sprintf("expected array, got %T", value)}
	}
	records := make([]map[string]any, 0, len(rawList))
	for index, entry := range rawList {
		record, isObject := entry.(map[string]any)
		if !isObject {
			return nil, &DecodeError{
				Field:   fmt.Sprintf("%s[%d]", field, index),
				Message: fmt.Sprintf("expected object, got %T", entry),
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func parseRetryAfter(headerValue string) time.Duration {
	if headerValue == "" {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(headerValue, 64)
	if parseErr != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
