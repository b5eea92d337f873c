package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/luciancaetano/shardnet/internal/logging"
)

// NewHTTPClient creates the shared HTTP client used by the pipeline.
//
// Network failures of idempotent requests are retried up to maxRetries times
// with backoff. Other methods go straight to the transport, so a dropped POST
// surfaces as a TransportError instead of being sent twice. Responses are
// never retried here: rate limits and error statuses are the pipeline's
// business.
func NewHTTPClient(maxRetries int, log *logging.Logger) *http.Client {
	if log == nil {
		log = logging.Nop()
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	_ = http2.ConfigureTransport(tr)

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: tr}
	retryClient.RetryMax = maxRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.CheckRetry = retryNetworkErrors
	retryClient.Logger = log.RetryLogger()

	return &http.Client{
		Transport: &methodRouter{
			retry:  &retryablehttp.RoundTripper{Client: retryClient},
			direct: tr,
		},
	}
}

// methodRouter sends idempotent requests through the retrying round
// tripper and everything else through the bare transport.
type methodRouter struct {
	retry  http.RoundTripper
	direct *http.Transport
}

func (m *methodRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	if idempotent(req.Method) {
		return m.retry.RoundTrip(req)
	}
	return m.direct.RoundTrip(req)
}

func (m *methodRouter) CloseIdleConnections() {
	m.direct.CloseIdleConnections()
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// retryNetworkErrors retries failed round trips only. A response of any
// status is handed back as is.
func retryNetworkErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, nil, err)
}
