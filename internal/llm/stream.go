package llm

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"
	"unicode/utf8"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// LineBuffer reassembles newline-delimited records that arrive split across network reads
type LineBuffer struct {
	pending []byte
}

// Feed appends chunk and returns every line it completed, without the trailing newline
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(b.pending[:i], "\r")
		lines = append(lines, string(line))
		b.pending = b.pending[i+1:]
	}
	return lines
}

// Flush returns whatever is left after the final read
func (b *LineBuffer) Flush() string {
	rest := string(bytes.TrimRight(b.pending, "\r"))
	b.pending = nil
	return rest
}

// SplitUTF8 returns the longest prefix of p ending on a rune boundary and the incomplete tail
func SplitUTF8(p []byte) (complete, tail []byte) {
	if utf8.Valid(p) {
		return p, nil
	}
	// an incomplete rune is at most utf8.UTFMax-1 bytes long
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		start := len(p) - i
		if utf8.RuneStart(p[start]) {
			if !utf8.FullRune(p[start:]) {
				return p[:start], p[start:]
			}
			break
		}
	}
	return p, nil
}

// Sleep waits for d unless ctx ends first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TransportError classifies a failed upstream call into the upstream error taxonomy.
// Errors already in the taxonomy pass through; a cancelled caller is reported as-is.
func TransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return domain.UpstreamError(err, isTimeout(err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
