// Package source provides the concrete DataSource/Parser pair
// bulkimportd's "run" command feeds into the engine. Real deployments
// bring their own; this one reads a local CSV file line by line, since
// a pluggable concrete source is explicitly a collaborator concern of
// the core engine, not something it implements itself.
package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vgpastor/bulkimport/ports"
)

// FileSource streams a local file's lines, one per chunk, onto its
// output channel. It is single-use, matching the ports.DataSource
// contract: a second Read call after exhaustion returns a closed,
// empty channel pair.
type FileSource struct {
	path       string
	skipHeader bool
	consumed   bool
}

// NewFileSource opens no file handle until Read is called. When
// skipHeader is true the first line is dropped, matching CSVParser
// being constructed from that same line separately via HeaderLine.
func NewFileSource(path string, skipHeader bool) *FileSource {
	return &FileSource{path: path, skipHeader: skipHeader}
}

// HeaderLine reads just the first line of path, for the caller to hand
// to NewCSVParser before streaming the rest via Read.
func HeaderLine(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read header of %s: %w", path, err)
	}
	return "", fmt.Errorf("%s is empty", path)
}

func (f *FileSource) Read(ctx context.Context) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errs := make(chan error, 1)

	if f.consumed {
		close(out)
		close(errs)
		return out, errs
	}
	f.consumed = true

	go func() {
		defer close(out)
		defer close(errs)

		file, err := os.Open(f.path)
		if err != nil {
			errs <- fmt.Errorf("open %s: %w", f.path, err)
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		first := true
		for scanner.Scan() {
			if first && f.skipHeader {
				first = false
				continue
			}
			first = false
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan %s: %w", f.path, err)
		}
	}()

	return out, errs
}

func (f *FileSource) Sample(ctx context.Context, maxBytes int) (string, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	buf := make([]byte, maxBytes)
	n, err := file.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("sample %s: %w", f.path, err)
	}
	return string(buf[:n]), nil
}

func (f *FileSource) Metadata() ports.SourceMetadata {
	info, err := os.Stat(f.path)
	if err != nil {
		return ports.SourceMetadata{FileName: f.path, MimeType: "text/csv"}
	}
	return ports.SourceMetadata{FileName: f.path, MimeType: "text/csv", FileSize: info.Size()}
}

// CSVParser turns one CSV-line chunk into a RawRecord keyed by the
// header row it was constructed with.
type CSVParser struct {
	Header []string
}

// NewCSVParser splits the given header line on comma to build the
// column-name mapping every subsequent Parse call uses.
func NewCSVParser(headerLine string) *CSVParser {
	return &CSVParser{Header: splitCSVLine(headerLine)}
}

func (p *CSVParser) Parse(ctx context.Context, chunk []byte) (<-chan ports.RawRecord, <-chan error) {
	out := make(chan ports.RawRecord, 1)
	errs := make(chan error, 1)

	fields := splitCSVLine(string(chunk))
	raw := make(ports.RawRecord, len(p.Header))
	for i, col := range p.Header {
		if i < len(fields) {
			raw[col] = fields[i]
		} else {
			raw[col] = nil
		}
	}

	out <- raw
	close(out)
	close(errs)
	return out, errs
}

func splitCSVLine(line string) []string {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}
