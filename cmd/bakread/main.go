// Command bakread extracts one user table's rows out of a SQL Server
// .bak backup file without restoring it into a live instance.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zhukovaskychina/bakread/internal/bak/catalog"
	"github.com/zhukovaskychina/bakread/internal/bak/extract"
	"github.com/zhukovaskychina/bakread/internal/bak/pageidx"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
	"github.com/zhukovaskychina/bakread/internal/bak/sink"
	"github.com/zhukovaskychina/bakread/logger"
	"github.com/zhukovaskychina/bakread/server/conf"
)

func help() string {
	return fmt.Sprintf(`
bakread - extract user-table rows directly from a SQL Server backup file

Usage:
  bakread --bak FILE [--bak FILE ...] --table SCHEMA.NAME [options]

Options:
  --bak PATH              stripe file, repeatable, in order
  --table SCHEMA.NAME     target table; NAME alone defaults schema to dbo
  --out PATH              output file (default: stdout)
  --format FORMAT         csv | jsonl | parquet (default csv)
  --delimiter CHAR        field delimiter, csv only (default ,)
  --mode MODE             auto | direct | restore (default auto)
  --max-rows N            stop after N rows (0 = unlimited)
  --columns "a,b,c"       restrict output to these columns
  --where "..."           restore-mode predicate, ignored in direct mode
  --indexed               use the persistent page index instead of an in-memory scan
  --cache-size MB         page cache size for indexed mode (default 8)
  --index-dir DIR         sidecar index directory
  --force-rescan          ignore any existing sidecar index
  --allocation-hint FILE  CSV of (file_id,page_id) restricting candidate pages
  --list-tables           print every recovered user table and exit
  --print-data-offset     print the MTF-recovered data region start and exit
  --config PATH           INI file of batch defaults (default %s, optional)

Exit codes: 0 success, 1 non-fatal extraction failure, 2 configuration error, 3 fatal error.
`, conf.DefaultConfigPath())
}

// bakFlags accumulates repeated --bak PATH occurrences in the order given.
type bakFlags []string

func (b *bakFlags) String() string { return strings.Join(*b, ",") }
func (b *bakFlags) Set(v string) error {
	*b = append(*b, v)
	return nil
}

type config struct {
	bakPaths        bakFlags
	table           string
	out             string
	format          string
	delimiter       string
	mode            string
	maxRows         uint64
	columns         string
	where           string
	indexed         bool
	cacheSize       int
	indexDir        string
	forceRescan     bool
	allocationHint  string
	listTables      bool
	printDataOffset bool
	configPath      string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "bakread: fatal: %v\n", r)
			exitCode = 3
		}
	}()

	cfg, fileCfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bakread:", err)
		return 2
	}

	_ = logger.InitLogger(logger.LogConfig{
		ErrorLogPath: fileCfg.LogError,
		InfoLogPath:  fileCfg.LogInfos,
		LogLevel:     fileCfg.LogLevel,
	})

	var hints map[int64]struct{}
	if cfg.allocationHint != "" {
		hints, err = loadAllocationHints(cfg.allocationHint)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bakread: loading allocation hints:", err)
			return 2
		}
	}

	schemaName, tableName := splitTableArg(cfg.table)
	var columns []string
	if cfg.columns != "" {
		for _, c := range strings.Split(cfg.columns, ",") {
			columns = append(columns, strings.TrimSpace(c))
		}
	}

	ex, err := extract.New(extract.Options{
		StripePaths:     cfg.bakPaths,
		SchemaName:      schemaName,
		TableName:       tableName,
		Columns:         columns,
		MaxRows:         cfg.maxRows,
		AllocationHints: hints,
		Indexed:         cfg.indexed,
		CacheSizeMB:     cfg.cacheSize,
		IndexDir:        cfg.indexDir,
		ForceRescan:     cfg.forceRescan,
		Progress: func(rowsDone uint64, pct float64) {
			logger.Infof("bakread: progress rows=%d pct=%.1f%%", rowsDone, pct*100)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "bakread: opening stripe set:", err)
		return 1
	}
	defer ex.Close()

	ctx := context.Background()

	switch {
	case cfg.printDataOffset:
		return runPrintDataOffset(ex)
	case cfg.listTables:
		return runListTables(ctx, ex)
	default:
		return runExtract(ctx, ex, cfg)
	}
}

func parseFlags(args []string) (*config, *conf.Cfg, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("bakread", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, help()) }

	fs.Var(&cfg.bakPaths, "bak", "stripe file, repeatable, in order")
	fs.StringVar(&cfg.table, "table", "", "target table, SCHEMA.NAME")
	fs.StringVar(&cfg.out, "out", "", "output file (default stdout)")
	fs.StringVar(&cfg.format, "format", "csv", "csv | jsonl | parquet")
	fs.StringVar(&cfg.delimiter, "delimiter", ",", "field delimiter, csv only")
	fs.StringVar(&cfg.mode, "mode", "auto", "auto | direct | restore")
	fs.Uint64Var(&cfg.maxRows, "max-rows", 0, "stop after N rows (0 = unlimited)")
	fs.StringVar(&cfg.columns, "columns", "", "restrict output to these columns")
	fs.StringVar(&cfg.where, "where", "", "restore-mode predicate, ignored in direct mode")
	fs.BoolVar(&cfg.indexed, "indexed", false, "use the persistent page index")
	fs.IntVar(&cfg.cacheSize, "cache-size", 8, "page cache size in MB, indexed mode")
	fs.StringVar(&cfg.indexDir, "index-dir", "", "sidecar index directory")
	fs.BoolVar(&cfg.forceRescan, "force-rescan", false, "ignore any existing sidecar index")
	fs.StringVar(&cfg.allocationHint, "allocation-hint", "", "CSV of (file_id,page_id)")
	fs.BoolVar(&cfg.listTables, "list-tables", false, "print every recovered user table and exit")
	fs.BoolVar(&cfg.printDataOffset, "print-data-offset", false, "print the data region start and exit")
	fs.StringVar(&cfg.configPath, "config", "", "INI file of batch defaults, optional")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	fileCfg := applyConfigDefaults(cfg, explicit)

	if cfg.listTables || cfg.printDataOffset {
		if len(cfg.bakPaths) == 0 {
			return nil, nil, fmt.Errorf("--bak is required")
		}
		return cfg, fileCfg, nil
	}

	if len(cfg.bakPaths) == 0 {
		return nil, nil, fmt.Errorf("--bak is required (repeatable)")
	}
	if cfg.table == "" {
		return nil, nil, fmt.Errorf("--table is required")
	}
	switch cfg.format {
	case "csv", "jsonl", "parquet":
	default:
		return nil, nil, fmt.Errorf("--format must be csv, jsonl, or parquet, got %q", cfg.format)
	}
	switch cfg.mode {
	case "auto", "direct", "restore":
	default:
		return nil, nil, fmt.Errorf("--mode must be auto, direct, or restore, got %q", cfg.mode)
	}
	if cfg.mode == "restore" {
		return nil, nil, fmt.Errorf("restore mode has no implementation in this build; use --mode direct")
	}
	if len(cfg.delimiter) != 1 {
		return nil, nil, fmt.Errorf("--delimiter must be exactly one character")
	}
	return cfg, fileCfg, nil
}

// applyConfigDefaults loads conf/bakread.ini (or --config's path) and uses
// its Bakread* fields to fill in any flag the user did not set explicitly
// on the command line. Flags the user did type always win. It returns the
// loaded Cfg so the caller can also pick up its LogError/LogInfos/LogLevel
// fields for logger.InitLogger.
func applyConfigDefaults(cfg *config, explicit map[string]bool) *conf.Cfg {
	fileCfg := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: cfg.configPath})

	if !explicit["cache-size"] {
		cfg.cacheSize = fileCfg.BakreadCacheSizeMB
	}
	if !explicit["index-dir"] && fileCfg.BakreadIndexDir != "" {
		cfg.indexDir = fileCfg.BakreadIndexDir
	}
	if !explicit["format"] && fileCfg.BakreadFormat != "" {
		cfg.format = fileCfg.BakreadFormat
	}
	if !explicit["max-rows"] && fileCfg.BakreadMaxRows != 0 {
		cfg.maxRows = fileCfg.BakreadMaxRows
	}
	if !explicit["force-rescan"] {
		cfg.forceRescan = cfg.forceRescan || fileCfg.BakreadForceRescan
	}
	return fileCfg
}

func runPrintDataOffset(ex *extract.Extractor) int {
	tde, encrypted, err := ex.ParseHeaders()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bakread:", err)
		return 1
	}
	if tde || encrypted {
		fmt.Fprintln(os.Stderr, "bakread: backup is encrypted, data offset unavailable without decryption")
		return 1
	}
	fmt.Println(ex.DataStartOffset())
	return 0
}

func runListTables(ctx context.Context, ex *extract.Extractor) int {
	tables, err := ex.ListTables(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bakread:", err)
		return 1
	}
	for _, t := range tables {
		fmt.Printf("%s.%s\t%d columns\tobject_id=%d\n", t.SchemaName, t.TableName, t.ColumnCount, t.ObjectID)
	}
	return 0
}

// runExtract opens the requested sink, streams rows into it via
// extract.Extractor.Run, and reports the result on stderr. Auto mode
// falls back to explaining the encryption:tde/encryption:backup cue
// rather than performing a live restore, since no restore.Fallback
// implementation ships in this build.
func runExtract(ctx context.Context, ex *extract.Extractor, cfg *config) int {
	out := io.Writer(os.Stdout)
	if cfg.out != "" {
		f, err := os.Create(cfg.out)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bakread: creating output file:", err)
			return 1
		}
		defer f.Close()
		out = f
	}

	var writer sink.RowWriter
	var writeErr error
	res := ex.Run(ctx, func(row record.Row) bool {
		if writer == nil {
			w, err := openSink(out, cfg, row)
			if err != nil {
				writeErr = err
				return false
			}
			writer = w
		}
		if err := writer.WriteRow(row); err != nil {
			writeErr = err
			return false
		}
		return true
	})

	if writer != nil {
		if err := writer.Close(); err != nil && writeErr == nil {
			writeErr = err
		}
	}

	if writeErr != nil {
		fmt.Fprintln(os.Stderr, "bakread: writing output:", writeErr)
		return 1
	}

	if !res.Success {
		fmt.Fprintln(os.Stderr, "bakread:", res.ErrorMessage)
		if res.TDEDetected || res.EncryptionDetected {
			fmt.Fprintln(os.Stderr, "bakread: this backup requires live-restore fallback, which this build does not implement")
		}
		return 1
	}

	logger.Infof("bakread: done, rows=%d mode=%s elapsed=%s", res.RowsRead, res.ModeUsed, res.Elapsed)
	return 0
}

func openSink(out io.Writer, cfg *config, sample record.Row) (sink.RowWriter, error) {
	var cols []catalog.Column
	if sample.Table != nil {
		cols = sample.Table.Columns
	}
	switch cfg.format {
	case "jsonl":
		return sink.NewJSONLWriter(out, cols), nil
	case "parquet":
		return sink.NewColumnarWriter(out, cols)
	default:
		return sink.NewDelimitedWriter(out, cols, rune(cfg.delimiter[0]))
	}
}

func splitTableArg(s string) (schema, name string) {
	s = strings.TrimSpace(s)
	schema = "dbo"
	if dot := strings.Index(s, "."); dot >= 0 {
		schema = stripBrackets(s[:dot])
		name = stripBrackets(s[dot+1:])
	} else {
		name = stripBrackets(s)
	}
	return schema, name
}

func stripBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	return s
}

func loadAllocationHints(path string) (map[int64]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	hints := make(map[int64]struct{})
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			continue
		}
		fileID, errA := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 32)
		pageID, errB := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 32)
		if errA != nil || errB != nil {
			if first {
				first = false
				continue // header line
			}
			continue
		}
		first = false
		hints[pageidx.MakePageKey(int32(fileID), int32(pageID))] = struct{}{}
	}
	return hints, nil
}
