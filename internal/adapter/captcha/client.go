package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrVerificationFailed means the verification service answered and said
// no. Transport failures are returned as distinct wrapped errors; callers
// surface both as the same generic validation error but log them apart.
var ErrVerificationFailed = errors.New("captcha verification failed")

// Verifier checks a client-supplied human-verification token against an
// external verification service.
type Verifier interface {
	Verify(ctx context.Context, clientToken, remoteIP string) error
}

// HTTPVerifier is the default implementation speaking the siteverify
// form-POST protocol.
type HTTPVerifier struct {
	httpClient *http.Client
	verifyURL  string
	secret     string
}

var _ Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier constructs the default Verifier. The timeout bounds the
// whole outbound call; a timeout is a hard failure of the attempt, never a
// silent bypass.
func NewHTTPVerifier(client *http.Client, verifyURL, secret string, timeout time.Duration) *HTTPVerifier {
	if client == nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPVerifier{httpClient: client, verifyURL: verifyURL, secret: secret}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify posts the client token to the verification endpoint.
func (v *HTTPVerifier) Verify(ctx context.Context, clientToken, remoteIP string) error {
	if strings.TrimSpace(clientToken) == "" {
		return ErrVerificationFailed
	}

	data := url.Values{}
	data.Set("secret", v.secret)
	data.Set("response", clientToken)
	if remoteIP != "" {
		data.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("verify failed: status=%d", resp.StatusCode)
	}

	var parsed verifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode verify response: %w", err)
	}
	if !parsed.Success {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(parsed.ErrorCodes, ","))
	}
	return nil
}
