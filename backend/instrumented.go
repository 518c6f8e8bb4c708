package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/docker-pull/telemetry"
)

// Instrumented wraps a Backend and records every operation as a storage
// metric labelled with the store name.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented wraps b, labelling its metrics with name.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordStorageOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordStorageOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	return rc, err
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordStorageOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordStorageOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *Instrumented) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordStorageOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Writer returns a pending write whose Commit is recorded with the number
// of bytes written.
func (ib *Instrumented) Writer(ctx context.Context, key string) (PendingWrite, error) {
	pw, err := ib.backend.Writer(ctx, key)
	if err != nil {
		telemetry.RecordStorageOp(ctx, ib.name, "commit", outcomeFromError(err), 0, 0)
		return nil, err
	}
	return &instrumentedWrite{PendingWrite: pw, ctx: ctx, name: ib.name, start: time.Now()}, nil
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

type instrumentedWrite struct {
	PendingWrite
	ctx   context.Context
	name  string
	start time.Time
	n     int64
}

func (w *instrumentedWrite) Write(p []byte) (int, error) {
	n, err := w.PendingWrite.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *instrumentedWrite) Commit() error {
	err := w.PendingWrite.Commit()
	telemetry.RecordStorageOp(w.ctx, w.name, "commit", outcomeFromError(err), time.Since(w.start), w.n)
	return err
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ Backend = (*Instrumented)(nil)
