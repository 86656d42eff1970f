// Package token fetches short-lived per-page credentials over an
// authenticated side channel and embeds them in capture URLs.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shehryarbajwa/vizreview/internal/auth"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const maxResponseSize = 64 * 1024

// ErrTokenGeneration wraps every failure to obtain a token
var ErrTokenGeneration = errors.New("token generation failed")

// Token is a credential to append as a query parameter
type Token struct {
	QueryParam string
	Value      string
}

// Injector fetches tokens
type Injector struct {
	client  *http.Client
	secrets auth.Redactor
	logger  logrus.FieldLogger
}

// NewInjector creates an injector. client may be nil; secrets receives every
// fetched token so it never reaches a log line.
func NewInjector(client *http.Client, secrets auth.Redactor, logger logrus.FieldLogger) *Injector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Injector{
		client:  client,
		secrets: secrets,
		logger:  logger.WithField("component", "token"),
	}
}

// Generate calls the page's token endpoint with the cookies of authState
// that apply to it and extracts the token at the configured field path.
// It returns nil, nil when the page declares no token auth.
func (i *Injector) Generate(ctx context.Context, spec *models.TokenAuthSpec, origin string, authState *models.AuthState) (*Token, error) {
	if spec == nil {
		return nil, nil
	}
	if spec.Endpoint == "" || spec.ResponsePath == "" || spec.QueryParam == "" {
		return nil, fmt.Errorf("%w: endpoint, responsePath and queryParam are required", ErrTokenGeneration)
	}

	endpoint, err := resolve(origin, spec.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrTokenGeneration, err)
	}
	req.Header.Set("Accept", "application/json")
	if spec.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := auth.CookieHeader(authState, endpoint.Host); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrTokenGeneration, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s returned status %d", ErrTokenGeneration, method, endpoint.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTokenGeneration, err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrTokenGeneration, maxResponseSize)
	}

	result := gjson.GetBytes(data, spec.ResponsePath)
	if !result.Exists() {
		return nil, fmt.Errorf("%w: path %q not found in response", ErrTokenGeneration, spec.ResponsePath)
	}
	if result.Type != gjson.String && result.Type != gjson.Number {
		return nil, fmt.Errorf("%w: value at path %q is not a string (got %s)", ErrTokenGeneration, spec.ResponsePath, result.Type)
	}
	value := result.String()
	if value == "" {
		return nil, fmt.Errorf("%w: value at path %q is empty", ErrTokenGeneration, spec.ResponsePath)
	}

	if i.secrets != nil {
		i.secrets.Add(value)
	}
	i.logger.WithField("endpoint", endpoint.Path).Debug("token fetched")

	return &Token{QueryParam: spec.QueryParam, Value: value}, nil
}

// AppendToURL adds tok to rawURL's query, replacing any existing value.
// A nil token returns rawURL unchanged.
func AppendToURL(rawURL string, tok *Token) (string, error) {
	if tok == nil {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set(tok.QueryParam, tok.Value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func resolve(origin, endpoint string) (*url.URL, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref), nil
}
