package testsupport

import (
	"context"
	"testing"

	"capsule/internal/config"
	"capsule/internal/fingerprint"
	"capsule/internal/record"
	"capsule/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewTextRecord creates a manual text record queued for normalization.
func NewTextRecord(t testing.TB, st *store.Store, text string) *record.Record {
	t.Helper()

	rec, err := st.Create(context.Background(), store.CreateRequest{
		SourceType:      record.SourceText,
		Channel:         record.ChannelManualText,
		Fingerprint:     fingerprint.Text(text).Value,
		FingerprintAlgo: string(fingerprint.AlgoText),
		Payload:         record.Payload{Text: &record.TextPayload{Content: text}},
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return rec
}
