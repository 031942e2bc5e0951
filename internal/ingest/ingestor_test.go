package ingest_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
	"github.com/JakeFAU/ingestion-runtime/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{ id string }

func (g staticIDs) NewID() (string, error) { return g.id, nil }

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type recordingLedger struct {
	mu   sync.Mutex
	recs []ingest.FragmentRecord
	err  error
}

func (l *recordingLedger) RecordFragment(_ context.Context, rec ingest.FragmentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return l.err
}

// faultyStore wraps an ObjectStore and injects errors per operation.
type faultyStore struct {
	ingest.ObjectStore
	writeErr  error
	copyErr   error
	deleteErr error
	afterRead func(name string)
}

func (s *faultyStore) Read(ctx context.Context, name string) ([]byte, int64, error) {
	data, gen, err := s.ObjectStore.Read(ctx, name)
	if s.afterRead != nil {
		s.afterRead(name)
	}
	return data, gen, err
}

func (s *faultyStore) Write(ctx context.Context, name, contentType string, data []byte, ifGeneration int64) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.ObjectStore.Write(ctx, name, contentType, data, ifGeneration)
}

func (s *faultyStore) Copy(ctx context.Context, src, dst string) error {
	if s.copyErr != nil {
		return s.copyErr
	}
	return s.ObjectStore.Copy(ctx, src, dst)
}

func (s *faultyStore) Delete(ctx context.Context, names ...string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.ObjectStore.Delete(ctx, names...)
}

var testNow = time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

func pushBody(data, idField, id string) []byte {
	encoded := base64.StdEncoding.EncodeToString([]byte(data))
	msg := `"data":"` + encoded + `"`
	if idField != "" {
		msg += `,"` + idField + `":"` + id + `"`
	}
	return []byte(`{"message":{` + msg + `},"subscription":"projects/p/subscriptions/s"}`)
}

func newIngestor(store ingest.ObjectStore, ledger ingest.Ledger) *ingest.Ingestor {
	return ingest.NewIngestor(
		store,
		fixedClock{now: testNow},
		staticIDs{id: "generated-id"},
		ledger,
		ingest.IngestorConfig{FragmentsPrefix: "fragments/"},
		zap.NewNop(),
	)
}

func TestIngestWritesFragment(t *testing.T) {
	t.Parallel()

	store := memory.NewObjectStore()
	ledger := &recordingLedger{}
	ing := newIngestor(store, ledger)

	entry := `{"timestamp":"2025-01-02T03:04:05Z","level":"info","msg":"hello"}`
	outcome, err := ing.Ingest(context.Background(), pushBody(entry, "message_id", "m1"))
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeWritten, outcome)
	require.Equal(t, "Fragment written", outcome.Message())

	name := "fragments/2025-01-02T03-04-05Z_m1.json"
	data, _, err := store.Read(context.Background(), name)
	require.NoError(t, err)
	require.JSONEq(t, entry, string(data))
	require.Equal(t, "application/json", store.ContentType(name))

	require.Len(t, ledger.recs, 1)
	require.Equal(t, ingest.FragmentRecord{
		ObjectName:     name,
		MessageID:      "m1",
		EntryTimestamp: "2025-01-02T03:04:05Z",
		ReceivedAt:     testNow,
	}, ledger.recs[0])
}

func TestIngestFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     []byte
		wantName string
	}{
		{
			name:     "camel case message id",
			body:     pushBody(`{"msg":"x"}`, "messageId", "m2"),
			wantName: "fragments/2025-06-01T08-30-00Z_m2.json",
		},
		{
			name:     "generated message id",
			body:     pushBody(`{"timestamp":"2025-01-01T00:00:00Z"}`, "", ""),
			wantName: "fragments/2025-01-01T00-00-00Z_generated-id.json",
		},
		{
			name:     "non string timestamp",
			body:     pushBody(`{"timestamp":12345}`, "message_id", "m3"),
			wantName: "fragments/2025-06-01T08-30-00Z_m3.json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := memory.NewObjectStore()
			outcome, err := newIngestor(store, nil).Ingest(context.Background(), tt.body)
			require.NoError(t, err)
			require.Equal(t, ingest.OutcomeWritten, outcome)
			names, err := store.List(context.Background(), "fragments/")
			require.NoError(t, err)
			require.Equal(t, []string{tt.wantName}, names)
		})
	}
}

func TestIngestDuplicateIsAcknowledged(t *testing.T) {
	t.Parallel()

	store := memory.NewObjectStore()
	ing := newIngestor(store, nil)
	body := pushBody(`{"timestamp":"2025-01-02T03:04:05Z"}`, "message_id", "dup")

	outcome, err := ing.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeWritten, outcome)

	outcome, err = ing.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeDuplicate, outcome)
	require.Equal(t, "Duplicate acknowledged", outcome.Message())
}

func TestIngestAcknowledgesBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body []byte
		want ingest.Outcome
	}{
		{name: "not json", body: []byte("hello"), want: ingest.OutcomeInvalidEnvelope},
		{name: "empty object", body: []byte(`{}`), want: ingest.OutcomeInvalidEnvelope},
		{name: "array", body: []byte(`[1,2]`), want: ingest.OutcomeInvalidEnvelope},
		{name: "null message", body: []byte(`{"message":null}`), want: ingest.OutcomeInvalidEnvelope},
		{name: "bad base64", body: []byte(`{"message":{"data":"!!!"}}`), want: ingest.OutcomeMalformedData},
		{name: "missing data", body: []byte(`{"message":{}}`), want: ingest.OutcomeMalformedData},
		{name: "data not json", body: pushBody("plain text", "", ""), want: ingest.OutcomeMalformedData},
		{name: "data not object", body: pushBody(`[1,2,3]`, "", ""), want: ingest.OutcomeMalformedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := memory.NewObjectStore()
			outcome, err := newIngestor(store, nil).Ingest(context.Background(), tt.body)
			require.NoError(t, err)
			require.Equal(t, tt.want, outcome)
			names, err := store.List(context.Background(), "")
			require.NoError(t, err)
			require.Empty(t, names)
		})
	}
	require.Equal(t, "Invalid request format, acknowledged.", ingest.OutcomeInvalidEnvelope.Message())
	require.Equal(t, "Malformed data, acknowledged.", ingest.OutcomeMalformedData.Message())
}

func TestIngestStorageFailureIsRetried(t *testing.T) {
	t.Parallel()

	store := &faultyStore{ObjectStore: memory.NewObjectStore(), writeErr: errors.New("backend unavailable")}
	_, err := newIngestor(store, nil).Ingest(context.Background(), pushBody(`{}`, "message_id", "m"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ingest.ErrPreconditionFailed)
}

func TestIngestNotConfigured(t *testing.T) {
	t.Parallel()

	_, err := newIngestor(nil, nil).Ingest(context.Background(), pushBody(`{}`, "message_id", "m"))
	require.ErrorIs(t, err, ingest.ErrNotConfigured)
}

func TestIngestIDGeneratorFailure(t *testing.T) {
	t.Parallel()

	ing := ingest.NewIngestor(memory.NewObjectStore(), fixedClock{now: testNow}, failingIDs{}, nil, ingest.IngestorConfig{}, nil)
	_, err := ing.Ingest(context.Background(), pushBody(`{}`, "", ""))
	require.ErrorContains(t, err, "entropy exhausted")
}

func TestIngestLedgerFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ledger := &recordingLedger{err: errors.New("db down")}
	outcome, err := newIngestor(memory.NewObjectStore(), ledger).Ingest(context.Background(), pushBody(`{}`, "message_id", "m"))
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeWritten, outcome)
	require.Len(t, ledger.recs, 1)
}

func TestFragmentName(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"fragments/2025-01-02T03-04-05.123+00-00_abc.json",
		ingest.FragmentName("fragments/", "2025-01-02T03:04:05.123+00:00", "abc"),
	)
}
