// Package proxy forwards worker operations to the executor owning a remote
// shard. The wire protocol is the same JSON control plane pkg/api serves.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Client talks to remote executors.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a proxy client with the given connect timeout.
func NewClient(connectTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 16,
			},
		},
		logger: log.WithComponent("proxy"),
	}
}

// InvokeRequest is the wire form of a forwarded invocation.
type InvokeRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args"`
}

// InvokeResponse carries the invocation result.
type InvokeResponse struct {
	Response json.RawMessage `json:"response"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvokeAndAwait forwards an invocation to the owning host and waits for
// the result.
func (c *Client) InvokeAndAwait(ctx context.Context, host string, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) ([]byte, error) {
	var out InvokeResponse
	err := c.post(ctx, host, workerPath(workerID)+"/invoke-and-await", InvokeRequest{
		IdempotencyKey: key.Value,
		Function:       function,
		Args:           args,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Response, nil
}

// Invoke forwards a fire-and-forget invocation.
func (c *Client) Invoke(ctx context.Context, host string, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) error {
	return c.post(ctx, host, workerPath(workerID)+"/invoke", InvokeRequest{
		IdempotencyKey: key.Value,
		Function:       function,
		Args:           args,
	}, nil)
}

func workerPath(workerID types.WorkerId) string {
	return "/v1/workers/" + url.PathEscape(workerID.String())
}

// post sends a JSON request and decodes either the response or the remote
// error. Transport failures map to ProtocolError and are retried by the
// caller's retry policy.
func (c *Client) post(ctx context.Context, host, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+host+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.CodeProtocolError, fmt.Sprintf("forwarding to %s failed", host), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(apperror.CodeProtocolError, "reading remote response failed", err)
	}

	if resp.StatusCode >= 400 {
		var remote errorResponse
		if err := json.Unmarshal(data, &remote); err != nil || remote.Code == "" {
			return apperror.Newf(apperror.CodeProtocolError, "remote returned status %d", resp.StatusCode)
		}
		return remoteError(remote)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return apperror.Wrap(apperror.CodeProtocolError, "undecodable remote response", err)
		}
	}
	return nil
}

// remoteError reconstructs the app error carried over the wire. Unknown
// codes collapse to RemoteInternalError.
func remoteError(resp errorResponse) error {
	code := apperror.Code(resp.Code)
	switch code {
	case apperror.CodeWorkerNotFound, apperror.CodeWorkerAlreadyExists,
		apperror.CodeInvalidShardID, apperror.CodeInvalidRequest,
		apperror.CodeWorkerExited, apperror.CodeWorkerFailed,
		apperror.CodeDenied, apperror.CodeNotFound,
		apperror.CodeQuotaExceeded, apperror.CodePromiseNotFound:
		return apperror.New(code, resp.Message)
	default:
		return apperror.New(apperror.CodeRemoteInternalError, resp.Message)
	}
}
