// Command load imports a CSV dataset into a qubedb row collection and reads
// it back, reporting throughput.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"qubedb/pkg/client"
	"qubedb/pkg/record"
)

type loadConfig struct {
	DatasetPath string
	Collection  string
	Delimiter   rune
	RowLimit    int
	KeyColumn   string
	NodeURL     string
	Workers     int
}

type loadResult struct {
	Collection string        `json:"collection"`
	Rows       int           `json:"rows"`
	Failed     int64         `json:"failed"`
	WriteTime  time.Duration `json:"write_time_ns"`
	ReadTime   time.Duration `json:"read_time_ns"`
	CSVSizeMB  float64       `json:"csv_size_mb"`
}

func main() {
	cfg := parseFlags()

	if err := runLoad(cfg); err != nil {
		log.Fatalf("load failed: %v", err)
	}
}

func parseFlags() loadConfig {
	var (
		datasetPath = flag.String("dataset", "", "path to source CSV file")
		collection  = flag.String("collection", "", "target row collection (defaults to the file name)")
		delimiter   = flag.String("delim", ",", "field delimiter")
		rowLimit    = flag.Int("limit", 0, "optional max rows (0 = all)")
		keyColumn   = flag.String("key", "", "column used as record key (defaults to the row number)")
		nodeURL     = flag.String("node", "http://localhost:8080", "qubedb node URL")
		workers     = flag.Int("workers", 8, "concurrent writers")
	)
	flag.Parse()

	if *datasetPath == "" {
		log.Fatal("dataset path is required")
	}
	if *collection == "" {
		base := filepath.Base(*datasetPath)
		*collection = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if len(*delimiter) != 1 {
		log.Fatal("delimiter must be a single rune")
	}

	return loadConfig{
		DatasetPath: *datasetPath,
		Collection:  *collection,
		Delimiter:   ([]rune(*delimiter))[0],
		RowLimit:    *rowLimit,
		KeyColumn:   *keyColumn,
		NodeURL:     *nodeURL,
		Workers:     *workers,
	}
}

// readRows turns every CSV line after the header into a row record. Numeric
// cells are stored as numbers so ordered indexes sort them numerically.
func readRows(cfg loadConfig) ([]*record.Record, error) {
	file, err := os.Open(cfg.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = cfg.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rows []*record.Record
	for line := 0; cfg.RowLimit == 0 || line < cfg.RowLimit; line++ {
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line+2, err)
		}
		fields := make(map[string]any, len(cells))
		for i, cell := range cells {
			name := fmt.Sprintf("col%d", i)
			if i < len(header) && header[i] != "" {
				name = header[i]
			}
			if f, err := strconv.ParseFloat(cell, 64); err == nil {
				fields[name] = f
			} else {
				fields[name] = cell
			}
		}
		key := strconv.Itoa(line)
		if v, ok := fields[cfg.KeyColumn]; ok {
			key = fmt.Sprint(v)
		}
		rows = append(rows, record.NewRow(cfg.Collection, key, fields))
	}
	return rows, nil
}

func parallel(ctx context.Context, rows []*record.Record, workers int, op func(context.Context, *record.Record) error) (time.Duration, int64) {
	var failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	start := time.Now()
	for _, rec := range rows {
		g.Go(func() error {
			if err := op(ctx, rec); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return time.Since(start), failed.Load()
}

func runLoad(cfg loadConfig) error {
	info, err := os.Stat(cfg.DatasetPath)
	if err != nil {
		return fmt.Errorf("stat CSV: %w", err)
	}
	rows, err := readRows(cfg)
	if err != nil {
		return err
	}
	log.Printf("importing %d rows into row/%s via %s", len(rows), cfg.Collection, cfg.NodeURL)

	c := client.New(cfg.NodeURL)
	ctx := context.Background()

	writeTime, writeFailed := parallel(ctx, rows, cfg.Workers, c.Put)
	readTime, readFailed := parallel(ctx, rows, cfg.Workers, func(ctx context.Context, rec *record.Record) error {
		got, err := c.Get(ctx, rec.ID, false)
		if err == nil && got == nil {
			return fmt.Errorf("%s missing", rec.ID)
		}
		return err
	})

	res := loadResult{
		Collection: cfg.Collection,
		Rows:       len(rows),
		Failed:     writeFailed + readFailed,
		WriteTime:  writeTime,
		ReadTime:   readTime,
		CSVSizeMB:  float64(info.Size()) / (1024 * 1024),
	}
	log.Printf("writes: %v (%.0f rows/s), reads: %v, failed: %d",
		writeTime, float64(len(rows))/writeTime.Seconds(), readTime, res.Failed)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
