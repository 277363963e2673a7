// Package eventlog implements component G: the append-only event log the
// dataflow engine writes as it runs, the reader that replays it to rebuild
// dataset registrations and checksum state, and the process-wide reporter
// that carries new entries off the driver to interested subscribers.
package eventlog

import "time"

// EntryKind discriminates the union of record types a log entry can hold.
type EntryKind string

const (
	KindDatasetRegistration   EntryKind = "dataset_registration"
	KindTaskSubmission        EntryKind = "task_submission"
	KindResultTaskChecksum    EntryKind = "result_task_checksum"
	KindShuffleMapTaskChecksum EntryKind = "shuffle_map_task_checksum"
	KindBlockChecksum         EntryKind = "block_checksum"
	KindLocalException        EntryKind = "local_exception_event"
	KindRemoteException       EntryKind = "remote_exception_event"
)

// Entry is the on-disk and on-wire record shape. Exactly one of the
// kind-specific fields is populated, selected by Kind.
type Entry struct {
	Kind      EntryKind  `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`

	DatasetRegistration   *DatasetRegistration   `json:"dataset_registration,omitempty"`
	TaskSubmission        *TaskSubmission        `json:"task_submission,omitempty"`
	ResultTaskChecksum    *ResultTaskChecksum    `json:"result_task_checksum,omitempty"`
	ShuffleMapTaskChecksum *ShuffleMapTaskChecksum `json:"shuffle_map_task_checksum,omitempty"`
	BlockChecksum         *BlockChecksum         `json:"block_checksum,omitempty"`
	LocalException        *LocalExceptionEvent   `json:"local_exception_event,omitempty"`
	RemoteException       *RemoteExceptionEvent  `json:"remote_exception_event,omitempty"`
}

// DependencyRecord is the serialized form of a pkg/dataset.Dependency edge.
type DependencyRecord struct {
	Kind     string `json:"kind"` // "narrow" or "shuffle"
	ParentID int    `json:"parent_id"`
}

// DatasetRegistration records a dataset's full identity the first time the
// engine submits work against it, including its dependency edges.
type DatasetRegistration struct {
	DatasetID    int                `json:"dataset_id"`
	ShuffleID    int                `json:"shuffle_id,omitempty"`
	Dependencies []DependencyRecord `json:"dependencies"`
	NumPartitions int               `json:"num_partitions"`
}

// TaskDescriptor names one task submitted for a stage.
type TaskDescriptor struct {
	TaskID         string `json:"task_id"`
	PartitionIndex int    `json:"partition_index"`
}

// TaskSubmission records the tasks dispatched for one stage.
type TaskSubmission struct {
	StageID int              `json:"stage_id"`
	Tasks   []TaskDescriptor `json:"tasks"`
}

// ResultTaskChecksum records the checksums a result task produced: one over
// the serialized user function (detects code drift between runs) and one
// over the computed result (detects nondeterministic output).
type ResultTaskChecksum struct {
	DatasetID      int    `json:"dataset_id"`
	PartitionIndex int    `json:"partition_index"`
	FuncChecksum   uint32 `json:"func_checksum"`
	ResultChecksum uint32 `json:"result_checksum"`
}

// ShuffleMapTaskChecksum records the checksum of the accumulator updates a
// shuffle-map task produced for one partition. The source does not
// distinguish user-function nondeterminism from accumulator nondeterminism
// here — both surface as the same checksum kind.
type ShuffleMapTaskChecksum struct {
	DatasetID           int    `json:"dataset_id"`
	PartitionIndex      int    `json:"partition_index"`
	AccumUpdatesChecksum uint32 `json:"accum_updates_checksum"`
}

// BlockChecksum records the checksum of one materialized shuffle block.
type BlockChecksum struct {
	BlockID        string `json:"block_id"`
	BytesChecksum  uint32 `json:"bytes_checksum"`
}

// LocalExceptionEvent records an exception raised on the driver itself.
type LocalExceptionEvent struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// RemoteExceptionEvent records an exception reported back from a worker.
type RemoteExceptionEvent struct {
	TaskID  string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ChecksumKind names which of the three checksum record types produced a
// given mismatch, for ChecksumMismatch's "kind" metadata.
const (
	ChecksumKindResult      = "result"
	ChecksumKindShuffleMap  = "shuffle_map"
	ChecksumKindBlock       = "block"
)
