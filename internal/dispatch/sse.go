package dispatch

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// closeOnEOFReader closes the underlying upstream body once the
// translated stream is fully drained or the caller stops reading early
// via Close, so a streaming response never leaks the upstream connection.
type closeOnEOFReader struct {
	io.Reader
	closer io.Closer
	closed bool
}

func (r *closeOnEOFReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err != nil {
		r.Close()
	}
	return n, err
}

func (r *closeOnEOFReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closer.Close()
}

// contextCapturingReader tees a translated SSE stream through a
// line-buffered scanner that accumulates the native reply text, invoking
// onDone with the full reply once the stream ends (EOF or error).
// Grounded on the teacher's SSE writer shape
// (internal/handlers/common/sse.go): read upstream frame-by-frame, but
// here the frames are inspected rather than just relayed, because
// persisting the reply (STREAM_SAVE_REPLY) requires knowing its content.
type contextCapturingReader struct {
	pr     *io.PipeReader
	closer io.Closer
}

func newContextCapturingReader(translated io.Reader, upstreamBody io.Closer, onDone func(replyText string)) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		var reply strings.Builder
		scanner := bufio.NewScanner(translated)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if _, err := pw.Write([]byte(line + "\n")); err != nil {
				break
			}
			captureSSEText(line, &reply)
		}
		upstreamBody.Close()
		onDone(reply.String())
		pw.CloseWithError(scanner.Err())
	}()
	return &contextCapturingReader{pr: pr, closer: upstreamBody}
}

func (r *contextCapturingReader) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

// captureSSEText extracts assistant text from one SSE data line carrying a
// native-format chunk (`data: {...}`), accumulating it into reply.
// Anything that isn't a recognizable data frame (including the final
// `data: [DONE]` marker) is ignored.
func captureSSEText(line string, reply *strings.Builder) {
	const prefix = "data: "
	if !strings.HasPrefix(line, prefix) {
		return
	}
	payload := strings.TrimPrefix(line, prefix)
	if payload == "[DONE]" {
		return
	}
	chunk := gjson.Parse(payload)
	for _, part := range chunk.Get("candidates.0.content.parts").Array() {
		reply.WriteString(part.Get("text").String())
	}
	// OpenAI-shaped delta chunks (post-translation) carry text at a
	// different path; capture those too so STREAM_SAVE_REPLY works
	// regardless of which wire format the caller is speaking.
	if delta := chunk.Get("choices.0.delta.content"); delta.Exists() {
		reply.WriteString(delta.String())
	}
}
