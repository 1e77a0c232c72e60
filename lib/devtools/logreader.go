package devtools

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// logReader returns the lines appended to a growing file.
type logReader struct {
	path    string
	f       *os.File
	br      *bufio.Reader
	offset  int64
	partial string
}

// lines returns the complete lines written since the previous call. An
// unterminated last line is held back until its newline arrives.
func (r *logReader) lines() ([]string, error) {
	if r.f == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return nil, err
		}
		r.f, r.br, r.offset, r.partial = f, bufio.NewReader(f), 0, ""
	}

	fi, err := r.f.Stat()
	if err != nil {
		return nil, err
	}
	if cur, err := os.Stat(r.path); err == nil && !os.SameFile(cur, fi) {
		// replaced by a new file
		r.close()
		return r.lines()
	}
	if fi.Size() < r.offset {
		// truncated in place
		if _, err := r.f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		r.br.Reset(r.f)
		r.offset, r.partial = 0, ""
	}

	var out []string
	for {
		chunk, err := r.br.ReadString('\n')
		r.offset += int64(len(chunk))
		if err != nil {
			r.partial += chunk
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, strings.TrimRight(r.partial+chunk, "\r\n"))
		r.partial = ""
	}
}

func (r *logReader) close() {
	if r.f != nil {
		_ = r.f.Close()
		r.f, r.br = nil, nil
	}
}
