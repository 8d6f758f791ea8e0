package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircmsg"
)

// FlatfileBackend stores one row per line, framed as an IRC message whose
// command is the row type and whose parameters are the fields:
//
//	BLE 192.0.2.1 1700000000 oper :open proxy
//
// Every field but the last must be non-empty and free of spaces.
type FlatfileBackend struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewFlatfileBackend returns a backend writing to path
func NewFlatfileBackend(path string) *FlatfileBackend {
	return &FlatfileBackend{path: path}
}

// Load parses the file. A missing file is an empty database.
func (f *FlatfileBackend) Load(ctx context.Context) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer func() { _ = file.Close() }()

	var rows []Row
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		row, err := DecodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return rows, nil
}

// Save writes rows to a temporary file and renames it over the database
func (f *FlatfileBackend) Save(ctx context.Context, rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			_ = tmp.Close()
			return err
		}
		line, err := EncodeLine(row)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := w.WriteString(line); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Ping reports whether the database directory is usable
func (f *FlatfileBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, err := os.Stat(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close marks the backend closed
func (f *FlatfileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// EncodeLine frames row as a CRLF-terminated line
func EncodeLine(row Row) (string, error) {
	if row.Type == "" || strings.ContainsAny(row.Type, " \r\n") {
		return "", fmt.Errorf("%w: invalid type %q", ErrMalformedRow, row.Type)
	}
	msg := ircmsg.MakeMessage(nil, "", strings.ToUpper(row.Type), row.Fields...)
	line, err := msg.Line()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedRow, row.Type, err)
	}
	return line, nil
}

// DecodeLine parses one line produced by EncodeLine
func DecodeLine(line string) (Row, error) {
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		return Row{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	fields := msg.Params
	if fields == nil {
		fields = []string{}
	}
	return Row{Type: strings.ToUpper(msg.Command), Fields: fields}, nil
}
