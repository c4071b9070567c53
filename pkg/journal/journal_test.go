package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

func openTestJournal(t *testing.T) (*Journal, string, string) {
	t.Helper()
	dir := t.TempDir()
	records := filepath.Join(dir, "records.jsonl")
	halts := filepath.Join(dir, "halts.jsonl")
	j, err := Open(records, halts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, records, halts
}

func allowed(t *testing.T, id string) capability.Gate {
	t.Helper()
	g, err := capability.NewGate(id, true)
	require.NoError(t, err)
	return g
}

func samplePrediction(id, scope string) contracts.PredictionRecord {
	return contracts.PredictionRecord{
		PredictionID:   id,
		ScopeKey:       scope,
		TargetVariable: "confidence",
		Expectation:    0.75,
		IssuedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestAppendAllowedWritesExactlyOneRecord(t *testing.T) {
	j, records, _ := openTestJournal(t)

	receipt, err := j.Append(context.Background(), allowed(t, "inv-1"), contracts.NewPredictionEvent(samplePrediction("pred:1", "turn:1")))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Reference)

	data, err := os.ReadFile(records)
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, 1)

	proj := j.Projection()
	got, ok := proj.Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, "pred:1", got.PredictionID)
}

func TestAppendDeniedWritesZeroBytes(t *testing.T) {
	j, records, halts := openTestJournal(t)

	denied, err := capability.DeniedGate("inv-2", "policy.low_authorization")
	require.NoError(t, err)

	_, err = j.Append(context.Background(), denied, contracts.NewPredictionEvent(samplePrediction("pred:1", "turn:1")))
	var denial *capability.DenialError
	require.True(t, errors.As(err, &denial))

	data, err := os.ReadFile(records)
	require.NoError(t, err)
	assert.Empty(t, data, "a denied append must write zero bytes to the prediction stream")

	// The denial itself is durable: one halt carrying the policy code.
	haltData, err := os.ReadFile(halts)
	require.NoError(t, err)
	lines := splitLines(haltData)
	require.Len(t, lines, 1)
	assert.Contains(t, string(lines[0]), `"policy_code":"policy.low_authorization"`)
}

func TestAppendMissingGateIsProgrammerError(t *testing.T) {
	j, records, halts := openTestJournal(t)

	_, err := j.Append(context.Background(), capability.Gate{}, contracts.NewPredictionEvent(samplePrediction("pred:1", "turn:1")))
	assert.ErrorIs(t, err, capability.ErrMissingGate)

	for _, path := range []string{records, halts} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Empty(t, data)
	}
}

func TestAppendHaltRefusesInvalidRecord(t *testing.T) {
	j, _, _ := openTestJournal(t)
	bad := &contracts.HaltRecord{HaltID: "halt:x"} // missing everything else
	err := j.AppendHalt(context.Background(), allowed(t, "inv-3"), bad)
	assert.Error(t, err)
}

func TestRotateRecordsStartsNewSegment(t *testing.T) {
	j, records, _ := openTestJournal(t)

	_, err := j.Append(context.Background(), allowed(t, "inv-4"), contracts.NewPredictionEvent(samplePrediction("pred:1", "turn:1")))
	require.NoError(t, err)

	second := filepath.Join(filepath.Dir(records), "records-2.jsonl")
	closed, err := j.RotateRecords(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, records, closed)

	_, err = j.Append(context.Background(), allowed(t, "inv-5"), contracts.NewPredictionEvent(samplePrediction("pred:2", "turn:2")))
	require.NoError(t, err)

	// Concatenated segments replay as one stream.
	result, err := ReplayFiles(records, second)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsProcessed)
	assert.Len(t, result.Projection.Predictions, 2)
}

type recordingArchiver struct {
	segments []string
}

func (a *recordingArchiver) ArchiveSegment(ctx context.Context, localPath string) (string, error) {
	a.segments = append(a.segments, localPath)
	return "s3://archive/" + filepath.Base(localPath), nil
}

func TestRotateRecordsArchivesClosedSegment(t *testing.T) {
	j, records, _ := openTestJournal(t)
	archiver := &recordingArchiver{}
	j.WithArchiver(archiver)

	_, err := j.Append(context.Background(), allowed(t, "inv-6"), contracts.NewPredictionEvent(samplePrediction("pred:1", "turn:1")))
	require.NoError(t, err)

	second := filepath.Join(filepath.Dir(records), "records-2.jsonl")
	closed, err := j.RotateRecords(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, []string{closed}, archiver.segments)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
