package httpexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

func TestExecuteSuccess(t *testing.T) {
	var gotReq capability.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, executePath, r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"output": {"answer": 42},
			"success": true,
			"usage": {"input_tokens": 10, "output_tokens": 5, "duration_ms": 1200},
			"events": [
				{"type": "tool_use", "message": "reading file"},
				{"type": "progress", "message": "halfway"}
			]
		}`))
	}))
	defer srv.Close()

	exec := New(Options{BaseURL: srv.URL, APIKey: "secret", RetryCount: 0})

	var events []capability.ExecEvent
	sink := capability.EventSinkFunc(func(e capability.ExecEvent) { events = append(events, e) })

	result, err := exec.Execute(context.Background(), &capability.ExecuteRequest{
		RunID:    "run-1",
		StepName: "analyze",
		Agent:    "reviewer",
		Prompt:   "review this",
	}, sink)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.JSONEq(t, `{"answer": 42}`, string(result.Output))
	assert.Equal(t, 10, result.Usage.InputTokens)
	assert.Equal(t, 5, result.Usage.OutputTokens)
	assert.Equal(t, 1200*time.Millisecond, result.Usage.Duration)

	require.Len(t, events, 2)
	assert.Equal(t, "tool_use", events[0].Type)
	assert.Equal(t, "halfway", events[1].Message)

	// The events are also retained on the settled result.
	require.Len(t, result.Events, 2)
	assert.Equal(t, "tool_use", result.Events[0].Type)
	assert.Equal(t, "halfway", result.Events[1].Message)

	assert.Equal(t, "run-1", gotReq.RunID)
	assert.Equal(t, "reviewer", gotReq.Agent)
}

func TestExecuteNilSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output": "ok", "success": true, "events": [{"type": "progress"}]}`))
	}))
	defer srv.Close()

	exec := New(Options{BaseURL: srv.URL, RetryCount: 0})
	result, err := exec.Execute(context.Background(), &capability.ExecuteRequest{Agent: "a"}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, generatePath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output": "a poem", "success": true}`))
	}))
	defer srv.Close()

	exec := New(Options{BaseURL: srv.URL, RetryCount: 0})
	result, err := exec.Generate(context.Background(), &capability.GenerateRequest{
		Generator: "poet",
		Prompt:    "write a poem",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, `"a poem"`, string(result.Output))
}

func TestExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	exec := New(Options{BaseURL: srv.URL, RetryCount: 0})
	_, err := exec.Execute(context.Background(), &capability.ExecuteRequest{Agent: "a"}, nil)
	require.Error(t, err)

	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeExecution, loomErr.Code)
	assert.Equal(t, http.StatusBadGateway, loomErr.Details["status_code"])
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	exec := New(Options{BaseURL: srv.URL, RetryCount: 0})
	_, err := exec.Execute(context.Background(), &capability.ExecuteRequest{
		Agent:   "slow",
		Timeout: 20 * time.Millisecond,
	}, nil)
	require.Error(t, err)

	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeTimeout, loomErr.Code)
}

func TestExecuteConnectionRefused(t *testing.T) {
	exec := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second, RetryCount: 0})
	_, err := exec.Execute(context.Background(), &capability.ExecuteRequest{Agent: "a"}, nil)
	require.Error(t, err)

	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeExecution, loomErr.Code)
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output": "ok", "success": true}`))
	}))
	defer srv.Close()

	exec := New(Options{BaseURL: srv.URL, RetryCount: 2, RetryWait: time.Millisecond})
	result, err := exec.Execute(context.Background(), &capability.ExecuteRequest{Agent: "a"}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, attempts)
}
