// Command truckctl is a small CLI demo over a truckdb data directory:
// put, get, query, watch, and compact against a chosen truck/box.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tholstrom/truckdb/internal/codec"
	"github.com/tholstrom/truckdb/internal/config"
	"github.com/tholstrom/truckdb/internal/obslog"
	"github.com/tholstrom/truckdb/internal/registry"
)

func main() {
	dataRoot := flag.String("data", "", "data directory (defaults to TRUCKDB_DATA_ROOT)")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	if *dataRoot != "" {
		cfg.DataRoot = *dataRoot
	}

	logger, closeLog := obslog.SetupLogger(obslog.Options{
		LogLevel:     cfg.LogLevel,
		SeqURL:       cfg.SeqURL,
		AuditLogPath: cfg.AuditLogPath,
	})
	defer closeLog()
	slog.SetDefault(logger)

	if err := ensureDataRoot(cfg.DataRoot); err != nil {
		slog.Error("data root is not writable", "path", cfg.DataRoot, "error", err)
		os.Exit(1)
	}

	regCfg := registry.DefaultConfig(cfg.DataRoot)
	regCfg.MaxActiveTrucks = cfg.MaxActiveTrucks
	regCfg.GlobalLRUCapacity = cfg.GlobalLRUCapacity
	regCfg.TruckConfig.TagLRUCapacity = cfg.TagLRUCapacity
	regCfg.TruckConfig.FlushCountThreshold = cfg.FlushCountThreshold
	regCfg.TruckConfig.FlushTimeThreshold = cfg.FlushTimeThreshold
	regCfg.TruckConfig.CompactThreshold = cfg.CompactThreshold
	regCfg.TruckConfig.IndexSaveThreshold = cfg.IndexSaveThreshold

	reg, err := registry.New(regCfg, logger)
	if err != nil {
		slog.Error("failed to start registry", "error", err)
		os.Exit(1)
	}

	if err := dispatch(reg, args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: truckctl [-data dir] <command> [args]

commands:
  put    <truck> <box> <tag> <json-value>
  get    <truck> <box> <tag>
  query  <truck> <box> <field> <prefix>
  watch  <truck> <box> <tag>
  compact <truck>`)
}

func dispatch(reg *registry.Registry, args []string) error {
	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "put":
		if len(rest) != 4 {
			return fmt.Errorf("put requires <truck> <box> <tag> <json-value>")
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(rest[3]), &raw); err != nil {
			return fmt.Errorf("parsing json value: %w", err)
		}
		return reg.Put(rest[0], rest[1], rest[2], codec.Value(raw), true)

	case "get":
		if len(rest) != 3 {
			return fmt.Errorf("get requires <truck> <box> <tag>")
		}
		v, ok, err := reg.Get(rest[0], rest[1], rest[2])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(not found)")
			return nil
		}
		return printJSON(v)

	case "query":
		if len(rest) != 4 {
			return fmt.Errorf("query requires <truck> <box> <field> <prefix>")
		}
		vs, err := reg.Query(rest[0], rest[1], rest[2], rest[3])
		if err != nil {
			return err
		}
		for _, v := range vs {
			if err := printJSON(v); err != nil {
				return err
			}
		}
		return nil

	case "watch":
		if len(rest) != 3 {
			return fmt.Errorf("watch requires <truck> <box> <tag>")
		}
		return watchTag(reg, rest[0], rest[1], rest[2])

	case "compact":
		if len(rest) != 1 {
			return fmt.Errorf("compact requires <truck>")
		}
		return reg.Compact(rest[0])

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func watchTag(reg *registry.Registry, truckID, box, tag string) error {
	ch, stop, err := reg.Watch(truckID, box, tag)
	if err != nil {
		return err
	}
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			if err := printJSON(v); err != nil {
				return err
			}
		case <-sigCh:
			return nil
		}
	}
}

func printJSON(v codec.Value) error {
	b, err := json.Marshal(map[string]any(v))
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// ensureDataRoot creates root if absent and writes/removes a dot-prefixed
// probe file to verify write permission, per spec.md's host directory
// setup requirement.
func ensureDataRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(root, ".test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
