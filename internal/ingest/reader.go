package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"horse.fit/announcements/internal/resolver"
	candidateschema "horse.fit/announcements/schema"
)

const maxLineBytes = 4 << 20

// Line is one record of a JSONL input. Exactly one of Candidate and Err is set.
type Line struct {
	Number    int
	Raw       []byte
	Candidate *resolver.Candidate
	Err       error
}

// ReadJSONL decodes one candidate per non-blank line. A line that fails
// validation is returned with its error; only I/O failures abort the read.
func ReadJSONL(r io.Reader) ([]Line, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var lines []Line
	number := 0
	for scanner.Scan() {
		number++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		raw = append([]byte(nil), raw...)
		cand, err := candidateschema.ValidateCandidate(raw)
		if err != nil {
			lines = append(lines, Line{Number: number, Raw: raw, Err: err})
			continue
		}
		lines = append(lines, Line{Number: number, Raw: raw, Candidate: cand})
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read line %d: %w", number+1, err)
	}
	return lines, nil
}

func ReadFile(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	lines, err := ReadJSONL(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lines, nil
}

// Split separates valid candidates from rejected lines, preserving order.
func Split(lines []Line) ([]resolver.Candidate, []Line) {
	candidates := make([]resolver.Candidate, 0, len(lines))
	var rejected []Line
	for _, line := range lines {
		if line.Err != nil {
			rejected = append(rejected, line)
			continue
		}
		candidates = append(candidates, *line.Candidate)
	}
	return candidates, rejected
}
