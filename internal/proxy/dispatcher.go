// Package proxy implements the failover-aware dispatcher: it authenticates
// callers, selects a pool account, rewrites the upstream authorization, and
// classifies the response to decide between relay, ban-and-retry, or
// passthrough.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nghyane/dreamina-mux/internal/config"
	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/pool"
	"github.com/nghyane/dreamina-mux/internal/provisioner"
	"github.com/nghyane/dreamina-mux/internal/registry"
	"github.com/nghyane/dreamina-mux/internal/resilience"
	"github.com/nghyane/dreamina-mux/internal/store"
	"github.com/nghyane/dreamina-mux/internal/usage"
)

// hop-by-hop headers (plus caller authorization) never forwarded upstream.
var hopByHopHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
	"accept-encoding":     {},
	"authorization":       {},
}

// statusClientClosedRequest marks caller-aborted requests in logs and the
// audit trail (nginx convention).
const statusClientClosedRequest = 499

// Dispatcher forwards /v1 traffic to the upstream using pool accounts.
type Dispatcher struct {
	cfg      *config.Config
	selector *pool.Selector
	prov     *provisioner.Client
	client   *http.Client
	breaker  *resilience.CircuitBreaker
}

func NewDispatcher(cfg *config.Config, selector *pool.Selector, prov *provisioner.Client) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		selector: selector,
		prov:     prov,
		// Per-request deadlines come from the configured proxy timeout; the
		// client itself stays unbounded.
		client:  &http.Client{},
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("upstream")),
	}
}

// RegisterRoutes mounts the proxy under /v1 for every method.
func (d *Dispatcher) RegisterRoutes(r *gin.Engine) {
	r.Any("/v1/*path", d.Handle)
}

// Handle serves one proxied request end to end, including bounded failover.
func (d *Dispatcher) Handle(c *gin.Context) {
	if !d.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer credential"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	model := extractModel(c.Request.Method, body)
	family := registry.FamilyForModel(model)
	if upstream := d.cfg.UpstreamModel(model); model != "" && upstream != model {
		if patched, errSet := sjson.SetBytes(body, "model", upstream); errSet == nil {
			body = patched
		}
	}

	timeout, err := d.cfg.ProxyTimeoutDuration()
	if err != nil {
		timeout = 300 * time.Second
	}

	maxAttempts := d.cfg.RequestRetryValue()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	var (
		lastStatus int
		lastBody   []byte
		lastHeader http.Header
		attempts   int
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts = attempt + 1

		account, errPick := d.selector.Pick(c.Request.Context(), model)
		if errPick != nil {
			// Mid-retry exhaustion surfaces the last upstream error instead
			// of masking it behind pool state.
			if lastStatus != 0 {
				break
			}
			var poolErr *pool.Error
			if errors.As(errPick, &poolErr) {
				c.JSON(poolErr.HTTPStatus, gin.H{"error": poolErr.Message, "code": poolErr.Code})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": errPick.Error()})
			}
			d.publish(model, family, 0, 0, attempts, start, true)
			return
		}

		status, header, respBody, errDo := d.forward(c, account, body, timeout)
		if errDo != nil {
			if errors.Is(errDo, gobreaker.ErrOpenState) || errors.Is(errDo, gobreaker.ErrTooManyRequests) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream circuit open"})
				d.publish(model, family, account.ID, 0, attempts, start, true)
				return
			}
			if errors.Is(errDo, context.Canceled) {
				// Caller went away; nothing to relay, but the abort must not
				// be logged as an implicit 200.
				log.Debugf("proxy: caller canceled request on account %d", account.ID)
				c.AbortWithStatus(statusClientClosedRequest)
				d.publish(model, family, account.ID, statusClientClosedRequest, attempts, start, true)
				return
			}
			if isTransportFailure(errDo) {
				log.Warnf("proxy: transport failure on account %d: %v", account.ID, errDo)
				d.penalize(account.ID)
				lastStatus = http.StatusBadGateway
				lastBody = []byte(`{"error":"upstream request failed"}`)
				lastHeader = http.Header{"Content-Type": []string{"application/json"}}
				continue
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": errDo.Error()})
			d.publish(model, family, account.ID, 0, attempts, start, true)
			return
		}

		switch classifyStatus(status) {
		case OutcomeSuccess:
			if errRecord := d.selector.RecordSuccess(c.Request.Context(), account.ID, family); errRecord != nil {
				log.WithError(errRecord).Errorf("proxy: failed to persist usage for account %d", account.ID)
			}
			if family.CreditBearing() && !account.Region.CreditExempt() {
				go d.requeryCredits(account)
			}
			d.publish(model, family, account.ID, status, attempts, start, false)
			relay(c, status, header, respBody)
			return

		case OutcomeTransient:
			log.Warnf("proxy: upstream %d from account %d, banning and retrying", status, account.ID)
			d.penalize(account.ID)
			lastStatus, lastHeader, lastBody = status, header, respBody
			continue

		case OutcomePermanent:
			d.publish(model, family, account.ID, status, attempts, start, true)
			relay(c, status, header, respBody)
			return
		}
	}

	// Retries exhausted: return the last upstream error verbatim.
	d.publish(model, family, 0, lastStatus, attempts, start, true)
	if lastStatus == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no available accounts", "code": "pool_exhausted"})
		return
	}
	relay(c, lastStatus, lastHeader, lastBody)
}

func (d *Dispatcher) authorized(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token != "" && token == d.cfg.Snapshot().AdminPassword
}

// forward sends the request upstream under the selected account's identity.
func (d *Dispatcher) forward(c *gin.Context, account *store.Account, body []byte, timeout time.Duration) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	upstreamURL := strings.TrimRight(d.cfg.Snapshot().UpstreamBaseURL, "/") + c.Request.URL.Path
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.URL.RawQuery = c.Request.URL.RawQuery

	for key, values := range c.Request.Header {
		if _, skip := hopByHopHeaders[strings.ToLower(key)]; skip {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	// Upstream authenticates with the region-scoped session token.
	req.Header.Set("Authorization", "Bearer "+string(account.Region)+"-"+account.Session)
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := d.breaker.Execute(func() (any, error) {
		resp, errDo := d.client.Do(req)
		if errDo != nil {
			return nil, errDo
		}
		defer resp.Body.Close()
		respBody, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			return nil, errRead
		}
		return &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
	})
	if err != nil {
		return 0, nil, nil, err
	}
	resp := result.(*upstreamResponse)
	return resp.status, resp.header, resp.body, nil
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

// penalize bans the account for the configured duration. Persisted before the
// next attempt starts, so a crash mid-retry leaves consistent state.
func (d *Dispatcher) penalize(accountID int64) {
	banFor, err := d.cfg.BanDurationValue()
	if err != nil {
		banFor = 4 * time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.selector.RecordTransientFailure(ctx, accountID, banFor); err != nil {
		log.WithError(err).Errorf("proxy: failed to ban account %d", accountID)
	}
}

// requeryCredits refreshes the credit balance after a credit-bearing success.
func (d *Dispatcher) requeryCredits(account *store.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	points, err := d.prov.QueryCredits(ctx, account)
	if err != nil {
		if !errors.Is(err, provisioner.ErrNotConfigured) {
			log.WithError(err).Warnf("proxy: credit re-query failed for account %d", account.ID)
		}
		return
	}
	if err := d.selector.UpdateCredits(ctx, account.ID, points); err != nil {
		log.WithError(err).Warnf("proxy: credit update failed for account %d", account.ID)
	}
}

func (d *Dispatcher) publish(model string, family registry.Family, accountID int64, status, attempts int, start time.Time, failed bool) {
	usage.Publish(usage.Record{
		Model:       model,
		Family:      string(family),
		AccountID:   accountID,
		Status:      status,
		Attempts:    attempts,
		Failed:      failed,
		LatencyMS:   time.Since(start).Milliseconds(),
		RequestedAt: start,
	})
}

func relay(c *gin.Context, status int, header http.Header, body []byte) {
	for key, values := range header {
		if _, skip := hopByHopHeaders[strings.ToLower(key)]; skip {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(status)
	_, _ = c.Writer.Write(body)
}

// extractModel pulls the model identifier from the JSON body. GET requests
// carry no body; unknown models simply skip the usage-limit filter.
func extractModel(method string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return gjson.GetBytes(body, "model").String()
	}
	return ""
}
