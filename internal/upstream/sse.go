package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// ParseSSE reads a server-sent event stream and delivers each event's joined
// data payload. Lines are split on \n with trailing \r stripped; consecutive
// data: lines accumulate into one payload delivered on the blank line that
// closes the event. A trailing unterminated event is still delivered on EOF.
// The [DONE] sentinel is ignored.
func ParseSSE(r io.Reader, onPayload func(payload []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if payload == "" || payload == "[DONE]" {
			return nil
		}
		return onPayload([]byte(payload))
	}

	var buf bytes.Buffer
	for {
		chunk, err := br.ReadBytes('\n')
		buf.Write(chunk)

		if err == nil {
			line := strings.TrimSuffix(buf.String(), "\n")
			line = strings.TrimSuffix(line, "\r")
			buf.Reset()

			if line == "" {
				if ferr := flush(); ferr != nil {
					return ferr
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
			// Other field lines (event:, id:, comments) are ignored; the
			// vendor only frames with data lines.
			continue
		}

		if err == io.EOF {
			line := strings.TrimSuffix(strings.TrimSuffix(buf.String(), "\n"), "\r")
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
			return flush()
		}
		return err
	}
}
