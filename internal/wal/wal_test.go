package wal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	State       string `json:"state"`
}

func (r fakeRecord) RecordID() string          { return r.ID }
func (r fakeRecord) RecordFingerprint() string { return r.Fingerprint }
func (r fakeRecord) Terminal() bool            { return r.State == "Committed" || r.State == "Aborted" }

func decodeFake(data []byte) (fakeRecord, error) {
	var r fakeRecord
	err := json.Unmarshal(data, &r)
	return r, err
}

func openFakeWAL(t *testing.T) *WAL[fakeRecord] {
	t.Helper()
	w, err := Open[fakeRecord](Config{Dir: t.TempDir(), SyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	w := openFakeWAL(t)
	rec := fakeRecord{ID: "T1", Fingerprint: "fp1", State: "Active"}
	require.NoError(t, w.Append(rec))

	got, err := w.Get("T1", decodeFake)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestFindByFingerprintResolvesToRecordID(t *testing.T) {
	w := openFakeWAL(t)
	require.NoError(t, w.Append(fakeRecord{ID: "T1", Fingerprint: "fp1", State: "Active"}))

	id, err := w.FindByFingerprint("fp1")
	require.NoError(t, err)
	require.Equal(t, "T1", id)

	_, err = w.FindByFingerprint("unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPendingTracksNonTerminalRecordsOnly(t *testing.T) {
	w := openFakeWAL(t)
	require.NoError(t, w.Append(fakeRecord{ID: "T1", Fingerprint: "fp1", State: "Active"}))
	require.NoError(t, w.Append(fakeRecord{ID: "T2", Fingerprint: "fp2", State: "Committed"}))

	ids, err := w.Pending()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"T1"}, ids)

	rec, err := w.Get("T1", decodeFake)
	require.NoError(t, err)
	rec.State = "Committed"
	require.NoError(t, w.UpdateState(rec))

	ids, err = w.Pending()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestIterUnrecoveredYieldsOnlyPendingRecords(t *testing.T) {
	w := openFakeWAL(t)
	require.NoError(t, w.Append(fakeRecord{ID: "T1", Fingerprint: "fp1", State: "WaitingForAck"}))
	require.NoError(t, w.Append(fakeRecord{ID: "T2", Fingerprint: "fp2", State: "Aborted"}))

	var seen []string
	err := w.IterUnrecovered(decodeFake, func(r fakeRecord) error {
		seen = append(seen, r.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"T1"}, seen)
}

func TestStatsReportsPendingCount(t *testing.T) {
	w := openFakeWAL(t)
	require.NoError(t, w.Append(fakeRecord{ID: "T1", Fingerprint: "fp1", State: "Active"}))
	require.NoError(t, w.Append(fakeRecord{ID: "T2", Fingerprint: "fp2", State: "Committed"}))

	stats, err := w.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
}

func TestOperationsFailAfterClose(t *testing.T) {
	w := openFakeWAL(t)
	require.NoError(t, w.Close())
	err := w.Append(fakeRecord{ID: "T1", Fingerprint: "fp1", State: "Active"})
	require.ErrorIs(t, err, ErrClosed)
}
