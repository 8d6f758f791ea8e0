// Command convert-db copies the services database between the sqlite and
// flatfile backends. Rows are copied verbatim, whatever their type.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"irc-dnsbl/pkg/storage"
)

func main() {
	from := flag.String("from", "", "Source database, as backend:path (required)")
	to := flag.String("to", "", "Destination database, as backend:path (required)")
	dryRun := flag.Bool("dry-run", false, "Show what would be copied without writing")
	flag.Parse()

	if *from == "" || *to == "" {
		fmt.Println("Usage: convert-db -from sqlite:./irc-dnsbl.db -to flatfile:./irc-dnsbl.txt [-dry-run]")
		os.Exit(1)
	}

	src, err := open(*from)
	if err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	defer func() { _ = src.Close() }()

	ctx := context.Background()
	rows, err := src.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to read source: %v", err)
	}

	counts := make(map[string]int)
	for _, row := range rows {
		counts[row.Type]++
	}
	fmt.Printf("Read %d rows from %s\n", len(rows), *from)
	for typ, n := range counts {
		fmt.Printf("  %-8s %d\n", typ, n)
	}

	if *dryRun {
		fmt.Println("Dry run mode - destination not written")
		return
	}

	dst, err := open(*to)
	if err != nil {
		log.Fatalf("Failed to open destination: %v", err)
	}
	defer func() { _ = dst.Close() }()

	if err := dst.Save(ctx, rows); err != nil {
		log.Fatalf("Failed to write destination: %v", err)
	}
	fmt.Printf("Wrote %d rows to %s\n", len(rows), *to)
}

func open(arg string) (storage.Backend, error) {
	backend, path, ok := strings.Cut(arg, ":")
	if !ok || path == "" {
		return nil, fmt.Errorf("expected backend:path, got %q", arg)
	}
	cfg := storage.DefaultConfig()
	cfg.Backend = storage.BackendType(backend)
	cfg.Path = path
	return storage.New(&cfg)
}
