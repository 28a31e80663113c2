// Command btreebench exercises the buffer pool and B+ tree under
// concurrent load: a pool of writers inserts keys, then a pool of
// readers looks them all up, printing throughput at the end.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/arvindsrinivasan/btreestore/core/index/btree"
	"github.com/arvindsrinivasan/btreestore/core/storage/buffer"
	"github.com/arvindsrinivasan/btreestore/core/storage/disk"
	"github.com/arvindsrinivasan/btreestore/pkg/logger"
	"github.com/arvindsrinivasan/btreestore/pkg/metrics"
)

func main() {
	dataDir := flag.String("data-dir", "/tmp/btreestore-bench", "directory to hold the benchmark database file")
	numKeys := flag.Int("keys", 20000, "number of keys to insert and then look up")
	writers := flag.Int("writers", 20, "concurrent writer goroutines")
	readers := flag.Int("readers", 10, "concurrent reader goroutines")
	poolSize := flag.Int("pool-size", 256, "buffer pool size in frames")
	flag.Parse()

	zlog, err := logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stdout", ServiceName: "btreebench"})
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	m, shutdown, err := metrics.New(metrics.Config{Enabled: false})
	if err != nil {
		log.Fatalf("building metrics: %v", err)
	}
	defer shutdown(nil)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	dbPath := filepath.Join(*dataDir, "bench.db")
	os.Remove(dbPath)

	dm, err := disk.Open(dbPath, disk.DefaultPageSize, true, zlog.Named("disk"))
	if err != nil {
		log.Fatalf("opening disk manager: %v", err)
	}
	defer dm.Close()

	bpm := buffer.NewManager(dm, *poolSize, zlog.Named("buffer_pool"), m)

	tree, err := btree.Open[string, string]("bench_index", bpm, btree.Options[string, string]{
		Compare:         btree.StringCompare,
		Codec:           btree.StringCodec{},
		LeafMaxSize:     64,
		InternalMaxSize: 64,
		Logger:          zlog.Named("btree"),
		Metrics:         m,
	})
	if err != nil {
		log.Fatalf("opening tree: %v", err)
	}

	start := time.Now()
	runWriters(tree, *numKeys, *writers)
	writeElapsed := time.Since(start)

	start = time.Now()
	runReaders(tree, *numKeys, *readers)
	readElapsed := time.Since(start)

	zlog.Sugar().Infof("inserted %d keys in %s (%.0f ops/sec)", *numKeys, writeElapsed, float64(*numKeys)/writeElapsed.Seconds())
	zlog.Sugar().Infof("looked up %d keys in %s (%.0f ops/sec)", *numKeys, readElapsed, float64(*numKeys)/readElapsed.Seconds())
}

func runWriters(tree *btree.BTree[string, string], numKeys, concurrency int) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for i := 0; i < numKeys; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			key := "key-" + strconv.Itoa(i)
			if _, err := tree.Insert(key, "value-"+strconv.Itoa(i)); err != nil {
				log.Printf("insert %s failed: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
}

func runReaders(tree *btree.BTree[string, string], numKeys, concurrency int) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for i := 0; i < numKeys; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			key := "key-" + strconv.Itoa(i)
			want := "value-" + strconv.Itoa(i)
			got, found, err := tree.Get(key)
			if err != nil {
				log.Printf("lookup %s failed: %v", key, err)
				return
			}
			if !found || got != want {
				log.Printf("mismatch for %s: want %q, got %q (found=%v)", key, want, got, found)
			}
		}(i)
	}
	wg.Wait()
}
