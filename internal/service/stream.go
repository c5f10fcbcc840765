package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// StreamBufferSize is the copy window for streamed bodies.
const StreamBufferSize = 32 << 10

var streamBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, StreamBufferSize)
		return &b
	},
}

// ErrClientWrite marks a failure writing to the client, as opposed to reading
// from the upstream.
var ErrClientWrite = errors.New("write to client")

// Stream copies src to dst one buffer at a time, flushing after every chunk when
// dst supports it. The next read starts only after the previous chunk was
// accepted by dst, so at most StreamBufferSize bytes are held per request.
func Stream(dst io.Writer, src io.Reader) (int64, error) {
	bp := streamBuffers.Get().(*[]byte)
	defer streamBuffers.Put(bp)
	buf := *bp

	flusher, _ := dst.(http.Flusher)

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr == nil && nw < nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, fmt.Errorf("%w: %w", ErrClientWrite, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}
