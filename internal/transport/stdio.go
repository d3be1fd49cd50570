package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/systerd/internal/shared"
)

const maxStdioLine = 16 * 1024 * 1024

// ServeStdio reads newline-delimited JSON-RPC messages from in and writes
// each response on its own line to out. Requests are handled in order. It
// returns nil at EOF or when ctx is cancelled.
func ServeStdio(ctx context.Context, h Handler, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx = shared.WithClientID(ctx, "stdio")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxStdioLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			msg := append([]byte(nil), line...)
			select {
			case lines <- msg:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	w := bufio.NewWriter(out)
	logger.Info("stdio: serving")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return fmt.Errorf("stdio read: %w", err)
					}
				default:
				}
				logger.Info("stdio: input closed")
				return nil
			}
			resp := h.Handle(ctx, line)
			if resp == nil {
				continue
			}
			_, err := w.Write(append(resp, '\n'))
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				return fmt.Errorf("stdio write: %w", err)
			}
		}
	}
}
