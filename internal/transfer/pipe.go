package transfer

import "io"

// pipeEnd is one side of an in-memory stream pair.
type pipeEnd struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeEnd) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeEnd) Write(b []byte) (int, error) { return p.w.Write(b) }

// Close ends this side's write direction.
func (p *pipeEnd) Close() error { return p.w.Close() }

// CancelInput closes this side's read direction; the peer's writes fail.
func (p *pipeEnd) CancelInput() { p.r.Close() }

// Pipe returns two connected in-memory streams with half-close semantics,
// for running both ends of a transfer in one process.
func Pipe() (Stream, Stream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()

	return &pipeEnd{r: ar, w: aw}, &pipeEnd{r: br, w: bw}
}
