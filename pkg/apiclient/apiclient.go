// Package apiclient is a thin, retrying HTTP client for the remote task
// queue. Every call is bearer-token authenticated, JSON over HTTP, and
// bounded by a per-request timeout; transient failures are retried with
// exponential backoff.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/pushdaemon/pushd/pkg/apierr"
	"github.com/pushdaemon/pushd/pkg/metrics"
	"github.com/pushdaemon/pushd/pkg/pushlog"
	"github.com/pushdaemon/pushd/pkg/types"
)

var logger = pushlog.WithComponent("apiclient")

const (
	requestTimeout = 15 * time.Second
	maxAttempts    = 3
	initialBackoff = 2 * time.Second
	backoffFactor  = 2.0
	maxBackoff     = 30 * time.Second
)

// CredentialSource resolves the current bearer token on every call, so a
// rotated key takes effect without restarting the daemon.
type CredentialSource interface {
	APIKey() (string, error)
}

// Client talks to the remote task queue.
type Client struct {
	baseURL string
	creds   CredentialSource
	http    *http.Client
}

// New returns a Client for baseURL, resolving its bearer token via creds on
// every request.
func New(baseURL string, creds CredentialSource) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// ListTodosFilter narrows a GET /synced-todos call. Zero values are omitted.
type ListTodosFilter struct {
	ExecutionStatus string
	GitRemote       string
	DisplayNumber   int
	LaterOnly       bool
	IncludeLater    bool
}

type todoDTO struct {
	ID                 string    `json:"id"`
	DisplayNumber      int       `json:"displayNumber"`
	Summary            string    `json:"summary"`
	NormalizedContent  string    `json:"normalizedContent"`
	OriginalTranscript string    `json:"originalTranscript"`
	GitRemote          string    `json:"gitRemote"`
	IsBacklog          bool      `json:"isBacklog"`
	CreatedAt          time.Time `json:"createdAt"`
	ExecutionStatus    string    `json:"executionStatus"`
}

type listTodosResponse struct {
	Todos []todoDTO `json:"todos"`
}

// ListTodos fetches queued tasks, applying filter's non-zero fields as query
// parameters.
func (c *Client) ListTodos(ctx context.Context, filter ListTodosFilter) ([]types.Task, error) {
	q := url.Values{}
	if filter.ExecutionStatus != "" {
		q.Set("execution_status", filter.ExecutionStatus)
	}
	if filter.GitRemote != "" {
		q.Set("git_remote", filter.GitRemote)
	}
	if filter.DisplayNumber != 0 {
		q.Set("display_number", strconv.Itoa(filter.DisplayNumber))
	}
	if filter.LaterOnly {
		q.Set("later_only", "true")
	}
	if filter.IncludeLater {
		q.Set("include_later", "true")
	}

	var out listTodosResponse
	if err := c.doJSON(ctx, "list_todos", http.MethodGet, "/synced-todos", q, nil, &out); err != nil {
		return nil, err
	}

	tasks := make([]types.Task, 0, len(out.Todos))
	for _, dto := range out.Todos {
		tasks = append(tasks, types.Task{
			RemoteID:           dto.ID,
			DisplayNumber:      dto.DisplayNumber,
			RemoteRepo:         dto.GitRemote,
			Content:            dto.NormalizedContent,
			Summary:            dto.Summary,
			OriginalTranscript: dto.OriginalTranscript,
			ExecutionStatus:    types.ExecutionStatus(dto.ExecutionStatus),
			IsBacklog:          dto.IsBacklog,
			CreatedAt:          dto.CreatedAt,
		})
	}
	return tasks, nil
}

// UpdateTaskExecutionRequest is the body of PATCH /update-task-execution.
type UpdateTaskExecutionRequest struct {
	DisplayNumber          int                   `json:"displayNumber"`
	Status                 types.ExecutionStatus `json:"status"`
	Summary                string                `json:"summary,omitempty"`
	Error                  string                `json:"error,omitempty"`
	CertaintyScore         *float64              `json:"certaintyScore,omitempty"`
	ClarificationQuestions []string              `json:"clarificationQuestions,omitempty"`
	MachineID              string                `json:"machineId,omitempty"`
	MachineName            string                `json:"machineName,omitempty"`
	Atomic                 bool                  `json:"atomic,omitempty"`
}

type updateTaskExecutionResponse struct {
	Success   bool   `json:"success"`
	Claimed   *bool  `json:"claimed"`
	ClaimedBy string `json:"claimedBy"`
}

// ClaimOutcome is the local collapse of the two update-task-execution
// response shapes: a server that omits `claimed` entirely is treated as a
// successful claim for backward compatibility.
type ClaimOutcome int

const (
	// ClaimWon means this machine now owns the task.
	ClaimWon ClaimOutcome = iota
	// ClaimLost means another machine claimed the task first.
	ClaimLost
	// ClaimUnknown means the server rejected the update outright
	// (success=false); treat like a loss.
	ClaimUnknown
)

// UpdateTaskExecution reports a status transition, optionally as an atomic
// claim attempt. ClaimedBy is populated only when outcome is ClaimLost.
func (c *Client) UpdateTaskExecution(ctx context.Context, req UpdateTaskExecutionRequest) (outcome ClaimOutcome, claimedBy string, err error) {
	var resp updateTaskExecutionResponse
	if err := c.doJSON(ctx, "update_task_execution", http.MethodPatch, "/update-task-execution", nil, req, &resp); err != nil {
		return ClaimUnknown, "", err
	}
	if !resp.Success {
		return ClaimUnknown, "", nil
	}
	if resp.Claimed == nil {
		// Backward-compat: older servers don't echo `claimed` at all.
		return ClaimWon, "", nil
	}
	if *resp.Claimed {
		return ClaimWon, "", nil
	}
	return ClaimLost, resp.ClaimedBy, nil
}

// TodoStatusRequest is the body of PATCH /todo-status.
type TodoStatusRequest struct {
	TodoID            string    `json:"todoId"`
	IsCompleted       bool      `json:"isCompleted"`
	CompletedAt       time.Time `json:"completedAt"`
	CompletionComment string    `json:"completionComment,omitempty"`
}

// UpdateTodoStatus marks a todo's user-visible completion state.
func (c *Client) UpdateTodoStatus(ctx context.Context, req TodoStatusRequest) error {
	return c.doJSON(ctx, "update_todo_status", http.MethodPatch, "/todo-status", nil, req, nil)
}

// NotificationRequest is the body of POST /daemon-notification.
type NotificationRequest struct {
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	TaskID        string    `json:"task_id,omitempty"`
	DisplayNumber int       `json:"display_number,omitempty"`
	Priority      string    `json:"priority,omitempty"`
}

// Notify sends a best-effort notification. Failures are logged, never
// returned: a missed notification must not disturb the caller.
func (c *Client) Notify(ctx context.Context, req NotificationRequest) {
	if err := c.doJSON(ctx, "daemon_notification", http.MethodPost, "/daemon-notification", nil, req, nil); err != nil {
		logger.Info().Err(err).Str("type", req.Type).Msg("notification delivery failed")
	}
}

// doJSON performs a single logical request with retry, marshaling body (if
// non-nil) as the JSON request payload and unmarshaling the response into
// out (if non-nil).
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: marshaling %s request: %w", op, err)
		}
	}

	// One id per logical request: retried attempts share it, so the server
	// can tie them together in its logs.
	requestID := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.Multiplier = backoffFactor
	policy.MaxInterval = maxBackoff
	bo := backoff.WithMaxRetries(policy, maxAttempts-1)
	bo = backoff.WithContext(bo, ctx)

	var lastBody []byte
	var lastStatus int
	// permanentErr is the error that ended retrying early. backoff.Retry
	// returns it already unwrapped from backoff.Permanent.
	var permanentErr error

	operation := func() error {
		req, err := c.newRequest(ctx, method, path, query, payload, requestID)
		if err != nil {
			permanentErr = err
			return backoff.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err // network error: retryable
		}
		defer resp.Body.Close()

		respBody, readErr := io.ReadAll(resp.Body)
		lastBody, lastStatus = respBody, resp.StatusCode
		if readErr != nil {
			return fmt.Errorf("apiclient: reading %s response: %w", op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		kind := apierr.FromStatusCode(resp.StatusCode)
		classified := apierr.New(op, kind, resp.StatusCode, fmt.Errorf("%s", string(respBody)))
		if kind == apierr.KindTransient {
			return classified
		}
		permanentErr = classified
		return backoff.Permanent(classified)
	}

	err := backoff.Retry(operation, bo)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(op, "error").Inc()
		if permanentErr != nil {
			return permanentErr
		}
		var perm *backoff.PermanentError
		if asPermanent(err, &perm) {
			return perm.Err
		}
		return apierr.New(op, apierr.KindTransient, lastStatus, err)
	}
	metrics.APIRequestsTotal.WithLabelValues(op, "success").Inc()

	if out != nil && len(lastBody) > 0 {
		if err := json.Unmarshal(lastBody, out); err != nil {
			return fmt.Errorf("apiclient: parsing %s response: %w", op, err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload []byte, requestID string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("apiclient: building request: %w", err)
	}

	key, err := c.creds.APIKey()
	if err != nil {
		return nil, fmt.Errorf("apiclient: resolving credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	return req, nil
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
