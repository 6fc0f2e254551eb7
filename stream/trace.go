package stream

import (
	"context"

	"golang.org/x/net/trace"
)

// addTrace appends a lazily-formatted event to ctx's request trace, if one
// is attached. Grounded verbatim on the teacher's consumer/service.go
// addTrace helper; ActiveStream calls it at each phase transition against
// the context passed to NewActiveStream, so a caller that attaches a
// golang.org/x/net/trace to that context can inspect one stream's history
// without scraping logs. cmd/vbstreamd passes context.Background(), which
// carries no trace.
func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
