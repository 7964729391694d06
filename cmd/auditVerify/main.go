package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/i5heu/ouroboros-rag/internal/config"
	"github.com/i5heu/ouroboros-rag/pkg/audit"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "auditVerify: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "configuration file")
	dir := flag.String("dir", "", "audit directory, overrides the configuration")
	anchorPath := flag.String("anchor", "", "anchor file, overrides the configuration")
	only := flag.String("type", "", "report only this event type, e.g. decrypt-failure")
	flag.Parse()

	types := audit.EventTypes
	if *only != "" {
		t, err := audit.ParseEventType(*only)
		if err != nil {
			return err
		}
		types = []audit.EventType{t}
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dir != "" {
		conf.AuditDir = *dir
	}
	if *anchorPath != "" {
		conf.AnchorPath = *anchorPath
	}

	var anchor *audit.Anchor
	if conf.AnchorPath != "" {
		anchor, err = audit.LoadAnchor(conf.AnchorPath)
		if err != nil {
			return err
		}
	}

	if err := audit.VerifyDir(conf.AuditDir, anchor); err != nil {
		var chainErr *audit.ChainError
		if errors.As(err, &chainErr) {
			fmt.Printf("BROKEN at entry %d: %s\n", chainErr.Index, chainErr.Reason)
		}
		return err
	}

	stats, err := audit.ComputeStats(conf.AuditDir)
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d entries in %d segments\n", stats.Total, stats.Segments)
	for _, t := range types {
		fmt.Printf("  %-16s %d\n", t, stats.ByType[t])
	}
	if anchor == nil {
		fmt.Println("no anchor found, truncation of the newest entries cannot be detected")
	}
	return nil
}
