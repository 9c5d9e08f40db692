package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"freelab/internal/auth"
	"freelab/internal/freestep"
	"freelab/internal/lab"
	"freelab/internal/metrics"
	"freelab/internal/perception"
	"freelab/internal/usage"
)

func TestMain(m *testing.M) {
	// The opencensus view worker is started by the Gemini SDK's transport
	// on import and never stopped.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var testClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

const stepBody = `{
  "classroomId": "chem-101",
  "env": {
    "id": "Beaker1",
    "type": "Beaker",
    "properties": {"pH": 7},
    "contents": {"liquids": {"Water": {"volume": {"value": 100, "unit": "mL"}}}}
  },
  "action": {"type": "add", "material": "HCl", "amount": {"value": 20, "unit": "mL"}, "target": "Beaker1"}
}`

type harness struct {
	srv     *httptest.Server
	jwt     *auth.JWTProvider
	store   *usage.MemoryStore
	backend *perception.ScriptedBackend
}

func newHarness(t *testing.T, opts Options, replies ...perception.ScriptedReply) *harness {
	t.Helper()
	jwt, err := auth.NewJWTProvider("test-secret")
	require.NoError(t, err)

	store := usage.NewMemoryStore()
	meter := usage.NewMeter(store, store, usage.Pricing{InputMicroUSDPerToken: 1, OutputMicroUSDPerToken: 1}, 100)
	members := auth.MembershipFunc(func(_ context.Context, userID, classroomID string) (bool, error) {
		return userID == "stu-1" && classroomID == "chem-101", nil
	})
	backend := perception.NewScriptedBackend(replies...)
	m := metrics.New()
	engine := freestep.New(backend, meter, members, freestep.WithMetrics(m))

	srv := httptest.NewServer(New(engine, jwt, m, opts).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, jwt: jwt, store: store, backend: backend}
}

func (h *harness) do(t *testing.T, method, path, subject, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		tok, err := h.jwt.Issue(subject, "student", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(data, &eb), string(data))
	return eb
}

func TestStepEndpoint_Success(t *testing.T) {
	h := newHarness(t, Options{}, perception.Reply(`{"environment":{"id":"Beaker1","properties":{"pH":-2}},"uiEvents":[]}`, 800, 60))

	for _, path := range []string{"/v1/free/step", "/free/step"} {
		resp, data := h.do(t, http.MethodPost, path, "stu-1", stepBody)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.NotEmpty(t, resp.Header.Get("X-Step-ID"))

		var got lab.StepResponse
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, 0.0, *got.PostAction.Environment.Properties.PH)
		require.Len(t, got.UIEvents, 1)
		assert.Equal(t, "updatePHMeter", got.UIEvents[0].Effect)
		assert.Equal(t, 800, got.TokensIn)
		assert.Equal(t, 60, got.TokensOut)
		assert.NotContains(t, string(data), "quotaExceeded")
	}
}

func TestStepEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		status  int
		code    freestep.Code
	}{
		{"no token", "", stepBody, http.StatusUnauthorized, freestep.CodeUnauthorized},
		{"stranger", "stranger", stepBody, http.StatusForbidden, freestep.CodeForbidden},
		{"bad body", "stu-1", `{"classroomId":"chem-101"}`, http.StatusBadRequest, freestep.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{}, perception.Reply(`{}`, 1, 1))
			resp, data := h.do(t, http.MethodPost, "/v1/free/step", tt.subject, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, data).Error)
		})
	}
}

func TestStepEndpoint_InvalidInputDetails(t *testing.T) {
	h := newHarness(t, Options{})
	resp, data := h.do(t, http.MethodPost, "/v1/free/step", "stu-1", `{"classroomId":"chem-101"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	eb := decodeError(t, data)
	assert.NotEmpty(t, eb.Details)
}

func TestStepEndpoint_BadToken(t *testing.T) {
	h := newHarness(t, Options{})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/free/step", strings.NewReader(stepBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not.a.token")
	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStepEndpoint_QuotaExceeded(t *testing.T) {
	h := newHarness(t, Options{}, perception.Reply(`{}`, 1, 1))
	ctx := context.Background()
	month := usage.MonthKey(time.Now())
	_, err := h.store.Increment(ctx, "chem-101", month, usage.Counter{Requests: 9, CostMicroUSD: 100 * usage.MicroUSDPerCent})
	require.NoError(t, err)

	resp, data := h.do(t, http.MethodPost, "/v1/free/step", "stu-1", stepBody)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	eb := decodeError(t, data)
	assert.Equal(t, freestep.CodeQuotaExceeded, eb.Error)
	require.NotNil(t, eb.Usage)
	assert.Equal(t, int64(9), eb.Usage.Requests)
	require.NotNil(t, eb.QuotaMicroUSD)
	assert.Equal(t, 100*usage.MicroUSDPerCent, *eb.QuotaMicroUSD)
	assert.Equal(t, month, eb.Month)
	assert.Empty(t, h.backend.Calls())
}

func TestStepEndpoint_MalformedOutputHidesRaw(t *testing.T) {
	h := newHarness(t, Options{}, perception.Reply("I think the beaker explodes", 5, 5))
	resp, data := h.do(t, http.MethodPost, "/v1/free/step", "stu-1", stepBody)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	eb := decodeError(t, data)
	assert.Equal(t, freestep.CodeMalformedOutput, eb.Error)
	assert.NotContains(t, string(data), "explodes")
}

func TestStepEndpoint_BackendError(t *testing.T) {
	h := newHarness(t, Options{}, perception.Fail(perception.ErrTimeout))
	resp, data := h.do(t, http.MethodPost, "/v1/free/step", "stu-1", stepBody)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	eb := decodeError(t, data)
	assert.Equal(t, freestep.CodeBackendError, eb.Error)
	assert.Equal(t, freestep.StageBackend, eb.Stage)
}

func TestStepEndpoint_BodyTooLarge(t *testing.T) {
	h := newHarness(t, Options{MaxBodyBytes: 64})
	resp, data := h.do(t, http.MethodPost, "/v1/free/step", "stu-1", stepBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, freestep.CodeInvalidInput, decodeError(t, data).Error)
}

func TestUsageEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.store.Increment(context.Background(), "chem-101", usage.MonthKey(time.Now()), usage.Counter{Requests: 1, CostMicroUSD: 5})
	require.NoError(t, err)

	resp, data := h.do(t, http.MethodGet, "/v1/classrooms/chem-101/usage", "stu-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var adm usage.Admission
	require.NoError(t, json.Unmarshal(data, &adm))
	assert.True(t, adm.Allowed)
	assert.Equal(t, int64(5), adm.Usage.CostMicroUSD)

	resp, _ = h.do(t, http.MethodGet, "/v1/classrooms/chem-202/usage", "stu-1", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, Options{}, perception.Reply(`{}`, 1, 1))
	h.do(t, http.MethodPost, "/v1/free/step", "stu-1", stepBody)

	resp, data := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	resp, data = h.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `freelab_steps_total{code="OK"} 1`)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	jwt, err := auth.NewJWTProvider("s")
	require.NoError(t, err)
	store := usage.NewMemoryStore()
	engine := freestep.New(perception.NewScriptedBackend(), usage.NewMeter(store, store, usage.Pricing{}, 1),
		auth.MembershipFunc(func(context.Context, string, string) (bool, error) { return true, nil }))
	s := New(engine, jwt, nil, Options{ShutdownTimeout: time.Second})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := testClient
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusTeapot, map[string]int{"n": 1})
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
	assert.True(t, bytes.HasSuffix(rec.Body.Bytes(), []byte("\n")))
}
