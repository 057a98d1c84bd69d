package protocol

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ReadFrames consumes r chunk by chunk and invokes fn for every complete
// frame, in order. It returns nil on a clean end of stream, the context
// error when the caller cancelled, fn's error if fn fails, and a wrapped
// transport error otherwise.
func ReadFrames(ctx context.Context, r io.Reader, fn func(Frame) error) error {
	re := NewReassembler()
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range re.Push(string(buf[:n])) {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, f := range re.Flush() {
					if ferr := fn(f); ferr != nil {
						return ferr
					}
				}
				return nil
			}
			// A read error after cancellation is the abort surfacing
			// through the transport, not a network failure.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read stream")
		}
	}
}
