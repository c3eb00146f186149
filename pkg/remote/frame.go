package remote

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt size prefix cannot make a
// peer allocate without limit.
const MaxFrameSize = 64 << 20 // 64MB

// Frame is one unit on the wire:
//   - 4 bytes: content size as little-endian uint32
//   - N bytes: content
type Frame struct {
	Size    uint32
	Content []byte
}

// WriteFrame writes content as one frame. It returns early with ctx.Err()
// when ctx is cancelled; the write itself is abandoned to the connection,
// which the caller is expected to close.
func WriteFrame(ctx context.Context, w io.Writer, content []byte) error {
	if len(content) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(content), MaxFrameSize)
	}
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4+len(content))
		binary.LittleEndian.PutUint32(buf, uint32(len(content)))
		copy(buf[4:], content)

		if _, err := w.Write(buf); err != nil {
			done <- fmt.Errorf("failed to write frame: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame reads one frame. Like WriteFrame it gives up on ctx
// cancellation without waiting for the read to return.
func ReadFrame(ctx context.Context, r io.Reader) (*Frame, error) {
	type result struct {
		frame *Frame
		err   error
	}
	done := make(chan result, 1)

	go func() {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			done <- result{err: fmt.Errorf("failed to read frame size: %w", err)}
			return
		}
		if size > MaxFrameSize {
			done <- result{err: fmt.Errorf("frame of %d bytes exceeds limit of %d", size, MaxFrameSize)}
			return
		}

		content := make([]byte, size)
		if _, err := io.ReadFull(r, content); err != nil {
			done <- result{err: fmt.Errorf("failed to read frame content: %w", err)}
			return
		}
		done <- result{frame: &Frame{Size: size, Content: content}}
	}()

	select {
	case res := <-done:
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
