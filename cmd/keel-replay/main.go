// keel-replay replays journal segments offline and reports the resulting
// projection, analytics, and a canonical hash. With -verify it replays
// twice and fails unless both passes agree. Without segment arguments it
// replays the configured records stream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Mindburn-Labs/keel/pkg/archive"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/store"
)

func main() {
	verify := flag.Bool("verify", false, "replay twice and require identical results")
	indexPath := flag.String("index", "", "write a SQLite query index to this path")
	jsonOut := flag.Bool("json", false, "print the full replay result as JSON")
	archiveOut := flag.Bool("archive", false, "upload the replayed segments to the configured bucket")
	flag.Parse()

	cfg := config.Load()
	segments := flag.Args()
	if len(segments) == 0 {
		segments = []string{cfg.RecordsPath}
	}

	result, err := journal.ReplayFiles(segments...)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	hash, err := result.CanonicalHash()
	if err != nil {
		log.Fatalf("hash failed: %v", err)
	}

	if *verify {
		second, err := journal.ReplayFiles(segments...)
		if err != nil {
			log.Fatalf("verification replay failed: %v", err)
		}
		secondHash, err := second.CanonicalHash()
		if err != nil {
			log.Fatalf("verification hash failed: %v", err)
		}
		if hash != secondHash {
			log.Fatalf("replay is not deterministic: %s != %s", hash, secondHash)
		}
		fmt.Println("verify: ok")
	}

	if *indexPath != "" {
		idx, err := store.OpenSQLiteIndex(*indexPath)
		if err != nil {
			log.Fatalf("open index: %v", err)
		}
		defer func() { _ = idx.Close() }()
		if err := idx.Ingest(context.Background(), result); err != nil {
			log.Fatalf("ingest index: %v", err)
		}
		fmt.Printf("index written to %s\n", *indexPath)
	}

	if *archiveOut {
		if cfg.ArchiveBucket == "" {
			log.Fatal("archive: KEEL_ARCHIVE_BUCKET is not set")
		}
		arch, err := archive.NewS3Archiver(context.Background(), archive.S3Config{
			Bucket: cfg.ArchiveBucket,
			Region: cfg.ArchiveRegion,
		})
		if err != nil {
			log.Fatalf("archive: %v", err)
		}
		for _, seg := range segments {
			location, err := arch.ArchiveSegment(context.Background(), seg)
			if err != nil {
				log.Fatalf("archive %s: %v", seg, err)
			}
			fmt.Printf("archived %s to %s\n", seg, location)
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("encode result: %v", err)
		}
		return
	}

	fmt.Printf("records processed: %d\n", result.RecordsProcessed)
	fmt.Printf("scopes projected:  %d\n", len(result.Projection.Predictions))
	fmt.Printf("halts seen:        %d\n", result.Analytics.HaltsSeen)
	fmt.Printf("corrections:       %d roots\n", len(result.Analytics.CorrectionCostByRoot))
	fmt.Printf("outstanding asks:  %d\n", len(result.Analytics.OutstandingRequests))
	fmt.Printf("canonical hash:    %s\n", hash)
}
