// Package splitter implements the batch splitter: it consumes a lazy
// stream of records and yields fixed-size, monotonically indexed groups,
// pulling from upstream only as fast as the consumer pulls from it.
package splitter

import "github.com/vgpastor/bulkimport/ports"

// Group is one yielded batch of records together with its 0-based index.
type Group struct {
	Records []ports.ProcessedRecord
	Index   int
}

// Split reads records from in and sends fixed-size Groups to the returned
// channel, closing it once in is drained. batchSize must be >= 1. Split is
// stateless between calls: each invocation starts a fresh goroutine with
// its own counter.
func Split(in <-chan ports.ProcessedRecord, batchSize int) <-chan Group {
	out := make(chan Group)

	go func() {
		defer close(out)

		index := 0
		buf := make([]ports.ProcessedRecord, 0, batchSize)

		for rec := range in {
			buf = append(buf, rec)
			if len(buf) == batchSize {
				out <- Group{Records: buf, Index: index}
				index++
				buf = make([]ports.ProcessedRecord, 0, batchSize)
			}
		}
		if len(buf) > 0 {
			out <- Group{Records: buf, Index: index}
		}
	}()

	return out
}
