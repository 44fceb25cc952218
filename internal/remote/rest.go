package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/lmsync/internal/model"
)

// RESTPath is the web service endpoint relative to the site URL.
const RESTPath = "/webservice/rest/server.php"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// DefaultTimeout bounds one REST call when no client is supplied.
const DefaultTimeout = 30 * time.Second

// authErrorCodes are server error codes reporting expired credentials.
var authErrorCodes = map[string]bool{
	"invalidtoken": true,
}

// transientErrorCodes are server error codes reporting temporary
// unavailability rather than a refusal of the operation itself.
var transientErrorCodes = map[string]bool{
	"sitemaintenance": true,
	"upgraderunning":  true,
}

// RESTTransport calls a Moodle-style REST web service.
//
// Requests are form-encoded POSTs with wstoken, wsfunction and
// moodlewsrestformat=json. Nested parameters are flattened PHP style:
//
//	options[0][name]=discussionsubscribe&options[0][value]=1
type RESTTransport struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// RESTOption configures a RESTTransport.
type RESTOption func(*RESTTransport)

// WithHTTPClient replaces the HTTP client (and therefore the call timeout).
func WithHTTPClient(c *http.Client) RESTOption {
	return func(t *RESTTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RESTOption {
	return func(t *RESTTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewRESTTransport returns a transport for the site at siteURL.
func NewRESTTransport(siteURL string, opts ...RESTOption) (*RESTTransport, error) {
	u, err := url.Parse(strings.TrimRight(siteURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("site url %q: scheme must be http or https", siteURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("site url %q: host is required", siteURL)
	}

	t := &RESTTransport{
		endpoint: u.String() + RESTPath,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Endpoint returns the full web service URL.
func (t *RESTTransport) Endpoint() string {
	return t.endpoint
}

// Call implements Transport.
func (t *RESTTransport) Call(ctx context.Context, method string, params model.Params, creds Credentials) (json.RawMessage, error) {
	form := url.Values{}
	if err := flattenParams(form, "", map[string]any(params)); err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}
	form.Set("wstoken", creds.Token)

	q := url.Values{}
	q.Set("moodlewsrestformat", "json")
	q.Set("wsfunction", method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"?"+q.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("remote call failed", "method", method, "error", err)
		return nil, Transient(method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient(method, fmt.Errorf("read response: %w", err))
	}

	t.logger.Debug("remote call",
		"method", method,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Transient(method, fmt.Errorf("http status %d", resp.StatusCode))
	}

	return decodeResponse(method, body)
}

// exceptionPayload is the error body returned with HTTP 200.
type exceptionPayload struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
	DebugInfo string `json:"debuginfo"`
}

func decodeResponse(method string, body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, Transient(method, fmt.Errorf("invalid response: not JSON"))
	}

	if body[0] == '{' {
		var ex exceptionPayload
		if err := json.Unmarshal(body, &ex); err == nil && ex.Exception != "" {
			return nil, classifyException(method, ex)
		}
	}
	return json.RawMessage(body), nil
}

func classifyException(method string, ex exceptionPayload) *Error {
	switch {
	case authErrorCodes[ex.ErrorCode],
		ex.ErrorCode == "accessexception" && strings.Contains(ex.Message, "Invalid token - token expired"):
		return AuthExpired(method, ex.ErrorCode, ex.Message)
	case transientErrorCodes[ex.ErrorCode]:
		return &Error{Kind: KindTransient, Method: method, Code: ex.ErrorCode, Message: ex.Message}
	default:
		code := ex.ErrorCode
		if code == "" {
			code = ex.Exception
		}
		return Rejected(method, code, ex.Message)
	}
}

// flattenParams writes v into form using PHP array notation.
// Nil values are omitted.
func flattenParams(form url.Values, prefix string, v any) error {
	switch val := v.(type) {
	case nil:
		return nil
	case model.Params:
		return flattenParams(form, prefix, map[string]any(val))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := flattenParams(form, joinKey(prefix, k), val[k]); err != nil {
				return err
			}
		}
		return nil
	case map[string]string:
		for k, s := range val {
			form.Set(joinKey(prefix, k), s)
		}
		return nil
	case []any:
		for i, elem := range val {
			if err := flattenParams(form, joinKey(prefix, strconv.Itoa(i)), elem); err != nil {
				return err
			}
		}
		return nil
	case []string:
		for i, s := range val {
			form.Set(joinKey(prefix, strconv.Itoa(i)), s)
		}
		return nil
	case []int:
		for i, n := range val {
			form.Set(joinKey(prefix, strconv.Itoa(i)), strconv.Itoa(n))
		}
		return nil
	case []int64:
		for i, n := range val {
			form.Set(joinKey(prefix, strconv.Itoa(i)), strconv.FormatInt(n, 10))
		}
		return nil
	case []model.Params:
		for i, p := range val {
			if err := flattenParams(form, joinKey(prefix, strconv.Itoa(i)), map[string]any(p)); err != nil {
				return err
			}
		}
		return nil
	default:
		if prefix == "" {
			return fmt.Errorf("top-level parameters must be an object, got %T", v)
		}
		s, err := model.ScalarString(v)
		if err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		form.Set(prefix, s)
		return nil
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}
