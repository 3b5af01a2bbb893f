package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

type staticSecrets map[string]string

func (s staticSecrets) Resolve(_ context.Context, _ string, id string) (string, error) {
	v, ok := s[id]
	if !ok {
		return "", errors.New("missing secret")
	}
	return v, nil
}

type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	auth    []string
	status  int
}

func (r *recordingSink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		assert.NoError(t, err)
		var b Batch
		assert.NoError(t, json.Unmarshal(body, &b))
		r.mu.Lock()
		r.batches = append(r.batches, b)
		r.auth = append(r.auth, req.Header.Get("Authorization"))
		status := r.status
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(strings.Repeat("x", 300)))
	}
}

func newTLSSink(t *testing.T, rec *recordingSink) (*Chain, *Sink, string) {
	t.Helper()
	srv := httptest.NewTLSServer(rec.handler(t))
	t.Cleanup(srv.Close)

	chain := NewChain().WithClock(stepClock())
	transport := &HTTPTransport{strict: srv.Client(), insecure: srv.Client()}
	sink := NewSink(chain, transport, staticSecrets{"siem-token": "s3cr3t"})
	return chain, sink, srv.URL
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestConfigureValidation(t *testing.T) {
	sink := NewSink(NewChain(), nil, nil)

	_, err := sink.Configure(SinkConfig{Enabled: true})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = sink.Configure(SinkConfig{Enabled: true, Endpoint: "http://siem.local"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	st, err := sink.Configure(SinkConfig{Enabled: false, SinkKind: "Object-Lock", BatchSize: intPtr(99999)})
	require.NoError(t, err)
	assert.Equal(t, SinkKindObjectLock, st.SinkKind)
	assert.Equal(t, MaxBatchSize, st.BatchSize)
	assert.True(t, st.VerifyTLS)

	st, err = sink.Configure(SinkConfig{Enabled: false, SinkKind: "kafka", BatchSize: intPtr(-4)})
	require.NoError(t, err)
	assert.Equal(t, SinkKindSIEM, st.SinkKind)
	assert.Equal(t, 1, st.BatchSize)
}

func TestSyncRequiresEnabledSink(t *testing.T) {
	sink := NewSink(NewChain(), nil, nil)
	_, err := sink.Sync(context.Background(), "p1", 10)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindSinkUnavailable))
	assert.ErrorIs(t, err, ErrSinkDisabled)
}

func TestSyncDeliversAndResumes(t *testing.T) {
	rec := &recordingSink{}
	chain, sink, url := newTLSSink(t, rec)
	events := appendN(t, chain, 5)

	_, err := sink.Configure(SinkConfig{Enabled: true, Endpoint: url, AuthSecretID: "siem-token", VerifyTLS: boolPtr(true), BatchSize: intPtr(3)})
	require.NoError(t, err)

	res, err := sink.Sync(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.EventsSent)
	assert.Equal(t, events[0].Hash, *res.FirstHash)
	assert.Equal(t, events[2].Hash, *res.LastHash)

	res, err = sink.Sync(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsSent)
	assert.Equal(t, events[3].Hash, *res.FirstHash)

	res, err = sink.Sync(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsSent)
	assert.Nil(t, res.FirstHash)
	assert.Equal(t, events[4].Hash, *res.LastHash)

	require.Len(t, rec.batches, 2)
	assert.Equal(t, RemoteFormat, rec.batches[0].Format)
	assert.Equal(t, "p1", rec.batches[0].ProfileID)
	assert.True(t, rec.batches[0].Verification.Valid)
	assert.Equal(t, "Bearer s3cr3t", rec.auth[0])

	st := sink.State()
	assert.Equal(t, events[4].Hash, *st.LastSyncedHash)
	assert.NotNil(t, st.LastSyncedAt)
	assert.Nil(t, st.LastError)
}

func TestSyncLimitSmallerThanBatch(t *testing.T) {
	rec := &recordingSink{}
	chain, sink, url := newTLSSink(t, rec)
	appendN(t, chain, 4)
	_, err := sink.Configure(SinkConfig{Enabled: true, Endpoint: url})
	require.NoError(t, err)

	res, err := sink.Sync(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsSent)
}

func TestSyncRejectedKeepsCursor(t *testing.T) {
	rec := &recordingSink{status: http.StatusServiceUnavailable}
	chain, sink, url := newTLSSink(t, rec)
	appendN(t, chain, 2)
	_, err := sink.Configure(SinkConfig{Enabled: true, Endpoint: url})
	require.NoError(t, err)

	_, err = sink.Sync(context.Background(), "p1", 0)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindSinkUnavailable))

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusServiceUnavailable, rejected.Status)

	st := sink.State()
	assert.Nil(t, st.LastSyncedHash)
	require.NotNil(t, st.LastError)
	assert.True(t, strings.HasPrefix(*st.LastError, "remote sink rejected request: status=503 body="))
	assert.LessOrEqual(t, len(*st.LastError), 300)

	// Retried in full once the sink recovers.
	rec.mu.Lock()
	rec.status = http.StatusOK
	rec.mu.Unlock()
	res, err := sink.Sync(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsSent)
	assert.Nil(t, sink.State().LastError)
}

func TestSyncMissingSecret(t *testing.T) {
	rec := &recordingSink{}
	chain, sink, url := newTLSSink(t, rec)
	appendN(t, chain, 1)
	_, err := sink.Configure(SinkConfig{Enabled: true, Endpoint: url, AuthSecretID: "absent"})
	require.NoError(t, err)

	_, err = sink.Sync(context.Background(), "p1", 0)
	assert.True(t, fault.Is(err, fault.KindSinkUnavailable))
	assert.Empty(t, rec.batches)
}

func TestRestoreDropsUnknownCursor(t *testing.T) {
	chain := NewChain()
	sink := NewSink(chain, nil, nil)
	gone := "sha256:gone"
	sink.Restore(SinkState{Enabled: true, LastSyncedHash: &gone})
	st := sink.State()
	assert.Nil(t, st.LastSyncedHash)
	assert.Equal(t, SinkKindSIEM, st.SinkKind)
	assert.Equal(t, DefaultBatchSize, st.BatchSize)
}
