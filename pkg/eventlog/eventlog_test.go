package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/sirupsen/logrus.(*Entry).log"),
	)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeWatermarks struct {
	datasetID, shuffleID, stageID int
}

func (f *fakeWatermarks) UpdateDatasetID(n int) { f.datasetID = n }
func (f *fakeWatermarks) UpdateShuffleID(n int) { f.shuffleID = n }
func (f *fakeWatermarks) UpdateStageID(n int)   { f.stageID = n }

func TestWriterReader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	logger := newTestLogger()

	w, err := NewWriter(path, WriterConfig{}, logger)
	require.NoError(t, err)

	require.NoError(t, w.Append(Entry{
		Kind: KindDatasetRegistration,
		DatasetRegistration: &DatasetRegistration{
			DatasetID:     3,
			NumPartitions: 4,
			Dependencies: []DependencyRecord{
				{Kind: "narrow", ParentID: 1},
			},
		},
	}))
	require.NoError(t, w.Append(Entry{
		Kind:           KindTaskSubmission,
		TaskSubmission: &TaskSubmission{StageID: 2, Tasks: []TaskDescriptor{{TaskID: "t1", PartitionIndex: 0}}},
	}))
	require.NoError(t, w.Close())

	wm := &fakeWatermarks{}
	r := NewReader(ReaderConfig{Path: path, ChecksumEnabled: true}, wm, nil, logger)
	require.NoError(t, r.Replay(context.Background()))

	datasets := r.Datasets()
	require.Contains(t, datasets, 3)
	assert.Equal(t, 4, datasets[3].NumPartitions)
	assert.Equal(t, 3, wm.datasetID)
	assert.Equal(t, 2, wm.stageID)

	buffered := r.Buffered()
	require.Len(t, buffered, 1)
	assert.Equal(t, KindTaskSubmission, buffered[0].Kind)
}

func TestWriterReader_ZstdCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log.zst")
	logger := newTestLogger()

	w, err := NewWriter(path, WriterConfig{Compression: "zstd"}, logger)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{
		Kind:                  KindBlockChecksum,
		BlockChecksum:         &BlockChecksum{BlockID: "b1", BytesChecksum: Checksum([]byte("hello"))},
	}))
	require.NoError(t, w.Close())

	r := NewReader(ReaderConfig{Path: path, ChecksumEnabled: true, Compression: "zstd"}, nil, nil, logger)
	require.NoError(t, r.Replay(context.Background()))
	assert.Empty(t, r.Verifier().Mismatches())
}

func TestVerifier_RecordsMismatchWithoutFailingReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	logger := newTestLogger()

	w, err := NewWriter(path, WriterConfig{}, logger)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{
		Kind: KindResultTaskChecksum,
		ResultTaskChecksum: &ResultTaskChecksum{
			DatasetID: 1, PartitionIndex: 0, FuncChecksum: 1, ResultChecksum: 100,
		},
	}))
	require.NoError(t, w.Append(Entry{
		Kind: KindResultTaskChecksum,
		ResultTaskChecksum: &ResultTaskChecksum{
			DatasetID: 1, PartitionIndex: 0, FuncChecksum: 1, ResultChecksum: 200,
		},
	}))
	require.NoError(t, w.Close())

	r := NewReader(ReaderConfig{Path: path, ChecksumEnabled: true}, nil, nil, logger)
	require.NoError(t, r.Replay(context.Background()))

	mismatches := r.Verifier().Mismatches()
	require.Len(t, mismatches, 1)
	assert.Equal(t, uint32(100), mismatches[0].Expected)
	assert.Equal(t, uint32(200), mismatches[0].Got)
}

func TestReader_UnrecognizedKindIsBufferedNotDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	logger := newTestLogger()

	w, err := NewWriter(path, WriterConfig{}, logger)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{Kind: EntryKind("future_entry_kind")}))
	require.NoError(t, w.Close())

	r := NewReader(ReaderConfig{Path: path}, nil, nil, logger)
	require.NoError(t, r.Replay(context.Background()))

	require.Len(t, r.Buffered(), 1)
	assert.Equal(t, EntryKind("future_entry_kind"), r.Buffered()[0].Kind)
}

func TestReplayDeterminism_MatchingChecksumsAgree(t *testing.T) {
	path1 := filepath.Join(t.TempDir(), "run1.log")
	path2 := filepath.Join(t.TempDir(), "run2.log")
	logger := newTestLogger()

	for _, p := range []string{path1, path2} {
		w, err := NewWriter(p, WriterConfig{}, logger)
		require.NoError(t, err)
		require.NoError(t, w.Append(Entry{
			Kind: KindShuffleMapTaskChecksum,
			ShuffleMapTaskChecksum: &ShuffleMapTaskChecksum{
				DatasetID: 5, PartitionIndex: 1, AccumUpdatesChecksum: Checksum([]byte("same-input")),
			},
		}))
		require.NoError(t, w.Close())
	}

	r1 := NewReader(ReaderConfig{Path: path1, ChecksumEnabled: true}, nil, nil, logger)
	r2 := NewReader(ReaderConfig{Path: path2, ChecksumEnabled: true}, nil, nil, logger)
	require.NoError(t, r1.Replay(context.Background()))
	require.NoError(t, r2.Replay(context.Background()))

	assert.Empty(t, r1.Verifier().Mismatches())
	assert.Empty(t, r2.Verifier().Mismatches())
}

func TestChecksum_Deterministic(t *testing.T) {
	a := Checksum([]byte("payload"))
	b := Checksum([]byte("payload"))
	assert.Equal(t, a, b)

	c := Checksum([]byte("different"))
	assert.NotEqual(t, a, c)
}
