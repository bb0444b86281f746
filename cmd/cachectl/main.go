// Command cachectl inspects and maintains a response cache directory.
//
//	cachectl -dir ./cache stats             print cache counters and sizes
//	cachectl -dir ./cache urls              list the stored URLs, LRU first
//	cachectl -dir ./cache evict [url]       evict one URL, or everything
//	cachectl -dir ./cache export            export entries to a SQLite db
//	cachectl -dir ./cache serve             run the admin HTTP server
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	httpcache "github.com/square/okhttp-sub001"
)

var (
	// CLI flags
	configFlag         string
	dirFlag            string
	maxSizeFlag        int64
	listenFlag         string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file (flags override it)")
	flag.StringVar(&dirFlag, "dir", "", "Cache directory to operate on")
	flag.Int64Var(&maxSizeFlag, "max-size", 50*1024*1024, "Cache size budget in bytes")
	flag.StringVar(&listenFlag, "listen", ":8080", "Listen address for the admin server")
	flag.StringVar(&dbFilenameFlag, "db", "cache-export.db", "SQLite file for 'export' (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := Config{
		Directory: dirFlag,
		MaxSize:   maxSizeFlag,
		Listen:    listenFlag,
		Database:  dbFilenameFlag,
	}
	if configFlag != "" {
		fileConfig, err := getConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
		config = mergeConfig(fileConfig, config)
	}
	if config.Directory == "" {
		log.Fatal().Msg("Please specify the cache directory")
	}

	cache, err := httpcache.CreateCache(httpcache.Config{
		Directory: config.Directory,
		MaxSize:   config.MaxSize,
		Logger:    &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache")
	}
	defer cache.Close()

	switch flag.Arg(0) {
	case "stats":
		runStats(cache)
	case "urls":
		runURLs(cache)
	case "evict":
		runEvict(cache, flag.Arg(1))
	case "export":
		runExport(cache, config.Database)
	case "serve":
		runServe(cache, config.Listen)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

// mergeConfig overlays non-zero flag values on top of the file config.
func mergeConfig(file, flags Config) Config {
	if flags.Directory != "" {
		file.Directory = flags.Directory
	}
	if flags.MaxSize != 0 {
		file.MaxSize = flags.MaxSize
	}
	if flags.Listen != "" {
		file.Listen = flags.Listen
	}
	if flags.Database != "" {
		file.Database = flags.Database
	}
	return file
}

func runStats(cache *httpcache.Cache) {
	entries := cache.Entries()
	fmt.Printf("entries:   %d\n", len(entries))
	fmt.Printf("size:      %d bytes\n", cache.Size())
	fmt.Printf("max size:  %d bytes\n", cache.MaxSize())
}

func runURLs(cache *httpcache.Cache) {
	for _, e := range cache.Entries() {
		fmt.Printf("%d\t%d\t%s\t%s\n", e.StatusCode, e.BodySize, e.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"), e.URL)
	}
}

func runEvict(cache *httpcache.Cache, url string) {
	if url == "" {
		if err := cache.EvictAll(); err != nil {
			log.Fatal().Err(err).Msg("Cannot evict cache")
		}
		log.Info().Msg("Evicted all entries")
		return
	}

	it := cache.URLs()
	for it.Next() {
		if it.URL() != url {
			continue
		}
		if err := it.Remove(); err != nil {
			log.Fatal().Err(err).Str("url", url).Msg("Cannot evict entry")
		}
		log.Info().Str("url", url).Msg("Evicted entry")
		return
	}
	log.Warn().Str("url", url).Msg("No entry for url")
}
