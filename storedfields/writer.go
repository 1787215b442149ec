package storedfields

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/searchkv/directory"
)

// DefaultQueueSize bounds the number of outstanding asynchronous
// stored-fields writes before the writer awaits the oldest.
const DefaultQueueSize = 20

// Writer writes one stored-fields record per document of a segment.
// Documents receive contiguous docIDs starting at zero, in the order
// FinishDocument is called. Writer is single-owner per segment.
type Writer struct {
	dir     *directory.Directory
	segment string

	current   Record
	started   bool
	docID     int32
	pending   []<-chan error
	queueSize int
}

// NewWriter creates a Writer for the given segment.
func NewWriter(dir *directory.Directory, segment string, optFns ...func(w *Writer)) *Writer {
	w := &Writer{
		dir:       dir,
		segment:   segment,
		queueSize: DefaultQueueSize,
	}
	for _, fn := range optFns {
		fn(w)
	}
	return w
}

// WithQueueSize overrides the outstanding-write bound.
func WithQueueSize(n int) func(w *Writer) {
	return func(w *Writer) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// StartDocument begins a new document record.
func (w *Writer) StartDocument() {
	w.current = w.current[:0]
	w.started = true
}

// WriteField appends one typed field to the current document.
func (w *Writer) WriteField(number int32, value FieldValue) error {
	if !w.started {
		return errors.New("storedfields: WriteField before StartDocument")
	}
	if value.Type() == 0 {
		return errors.New("storedfields: field value has no type")
	}
	w.current = append(w.current, Field{Number: number, Value: value})
	return nil
}

// FinishDocument serializes the current record and dispatches the write
// under the next docID. When the outstanding-write queue is full, the
// oldest write is awaited first to keep backpressure on the producer.
func (w *Writer) FinishDocument(ctx context.Context) error {
	if !w.started {
		return errors.New("storedfields: FinishDocument before StartDocument")
	}
	data, err := Record(w.current).Marshal()
	if err != nil {
		return fmt.Errorf("storedfields: marshal doc %d: %w", w.docID, err)
	}
	if len(w.pending) >= w.queueSize {
		if err := <-w.pending[0]; err != nil {
			return fmt.Errorf("storedfields: write doc: %w", err)
		}
		w.pending = w.pending[1:]
	}
	w.pending = append(w.pending, w.dir.WriteStoredFields(ctx, w.segment, w.docID, data))
	w.docID++
	w.started = false
	return nil
}

// Finish drains outstanding writes and verifies the document count.
func (w *Writer) Finish(ctx context.Context, numDocs int) error {
	for _, ch := range w.pending {
		if err := <-ch; err != nil {
			return fmt.Errorf("storedfields: write doc: %w", err)
		}
	}
	w.pending = nil
	if int(w.docID) != numDocs {
		return fmt.Errorf("storedfields: wrote %d documents, expected %d", w.docID, numDocs)
	}
	return nil
}

// NumDocs returns the number of documents finished so far.
func (w *Writer) NumDocs() int {
	return int(w.docID)
}
