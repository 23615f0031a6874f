package cronoperator

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

// newHTTPClient builds the HTTP client used for the "Curl" variant,
// with connection-pool tuning sized for the 5-minute hard cap.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: HTTPTimeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// runHTTP issues the HTTP variant's GET: HTTP status as exit_status,
// at most MaxHTTPBodyBytes of a text/* body as log.
func (r *Runner) runHTTP(ctx context.Context, job *domain.CronJob, start time.Time) domain.CronResult {
	runCtx, cancel := context.WithTimeout(ctx, HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, job.Command, nil)
	if err != nil {
		return domain.CronResult{ExitStatus: -1, Log: err.Error()}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return domain.CronResult{ExitStatus: -1, Log: err.Error()}
	}
	defer resp.Body.Close()

	var log string
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxHTTPBodyBytes))
		log = string(body)
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxHTTPBodyBytes))
	}

	return domain.CronResult{ExitStatus: resp.StatusCode, Log: log}
}
