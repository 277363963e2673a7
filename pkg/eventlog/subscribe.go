package eventlog

import (
	"context"
	"encoding/json"
	"io"

	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"
)

// LiveConfig configures the live-subscription tail-follow path.
type LiveConfig struct {
	// Path is the newline-delimited JSON sidecar the reporter appends one
	// Entry to per line. Decoupled from the replay log's binary
	// length-prefixed format so a still-running writer can be tailed
	// line-by-line without the reader racing a partial binary record.
	Path string
}

// SubscribeLive tail-follows cfg.Path, decoding each line as an Entry and
// delivering it to onEntry, until ctx is cancelled or the tailed file is
// removed. Mirrors the reader's own entry handling so a live subscriber
// sees the same dataset/watermark/checksum effects a replay would produce.
func (r *Reader) SubscribeLive(ctx context.Context, cfg LiveConfig) error {
	t, err := tail.TailFile(cfg.Path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     false,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
	})
	if err != nil {
		return err
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			if stopErr := t.Stop(); stopErr != nil {
				r.logger.WithError(stopErr).Warn("error stopping live subscription tailer")
			}
			return nil

		case line, ok := <-t.Lines:
			if !ok {
				if err := t.Err(); err != nil {
					r.logger.WithError(err).Warn("live subscription tailer error")
				}
				return nil
			}
			if line.Err != nil {
				r.logger.WithError(line.Err).Warn("live subscription line error")
				continue
			}
			if line.Text == "" {
				continue
			}

			var entry Entry
			if err := json.Unmarshal([]byte(line.Text), &entry); err != nil {
				if r.dlq != nil {
					r.dlq.Reject([]byte(line.Text), 0, err)
				}
				r.logger.WithError(err).WithFields(logrus.Fields{
					"source": "live_subscription",
				}).Warn("live subscription record failed to decode, skipping")
				continue
			}

			r.apply(entry)
		}
	}
}
