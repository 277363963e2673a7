package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	apperrors "lineagetrace/pkg/errors"
)

// magic identifies a lineagetrace event log file. Written once at file
// start, verified once by the reader on open.
var magic = [8]byte{'l', 't', 'r', 'a', 'c', 'e', 01, 0}

// WriterConfig configures the on-disk record format.
type WriterConfig struct {
	Compression string `yaml:"compression"` // "", "zstd"
}

// Writer appends Entry values to an output stream as length-prefixed JSON
// records, one at a time, safe for concurrent callers.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	sink   io.Writer
	closer io.Closer
	logger *logrus.Logger
}

// NewWriter creates path (truncating any existing file), writes the magic
// header, and wraps the stream in a zstd encoder if cfg.Compression is
// "zstd".
func NewWriter(path string, cfg WriterConfig, logger *logrus.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, apperrors.LogIoFailure("eventlog", "NewWriter", err)
	}

	w := &Writer{file: f, logger: logger}

	switch cfg.Compression {
	case "zstd":
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, apperrors.LogIoFailure("eventlog", "NewWriter", err)
		}
		w.sink = enc
		w.closer = enc
	case "":
		w.sink = f
		w.closer = nil
	default:
		f.Close()
		return nil, apperrors.ConfigError("NewWriter", fmt.Sprintf("unknown event log compression %q", cfg.Compression))
	}

	if _, err := f.Write(magic[:]); err != nil {
		f.Close()
		return nil, apperrors.LogIoFailure("eventlog", "NewWriter", err)
	}

	return w, nil
}

// Append serializes entry and writes it as a length-prefixed record.
func (w *Writer) Append(entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return apperrors.LogIoFailure("eventlog", "Append", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.sink.Write(length[:]); err != nil {
		return apperrors.LogIoFailure("eventlog", "Append", err)
	}
	if _, err := w.sink.Write(payload); err != nil {
		return apperrors.LogIoFailure("eventlog", "Append", err)
	}
	return nil
}

// Close flushes any compression encoder and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			w.file.Close()
			return apperrors.LogIoFailure("eventlog", "Close", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return apperrors.LogIoFailure("eventlog", "Close", err)
	}
	return nil
}
