package audit

import (
	"context"
	"time"

	"github.com/funnelworks/crm-core/pkg/contextkeys"
	"github.com/funnelworks/crm-core/pkg/tasks"
)

// Recorder dispatches audit writes onto the background queue so the request
// path never waits on the audit table.
type Recorder struct {
	writer Writer
	queue  *tasks.Queue
}

// NewRecorder creates a recorder over a writer and queue.
func NewRecorder(writer Writer, queue *tasks.Queue) *Recorder {
	return &Recorder{writer: writer, queue: queue}
}

// Record enqueues an audit entry. The request id is taken from the context;
// the entry itself is written after the request has already returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.RequestID == "" {
		e.RequestID = contextkeys.GetRequestID(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.queue.Dispatch("audit.write", func(taskCtx context.Context) error {
		return r.writer.Write(taskCtx, e)
	})
}
