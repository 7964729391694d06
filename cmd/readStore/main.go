package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rag/internal/config"
	"github.com/i5heu/ouroboros-rag/internal/keyValStore"
	"github.com/i5heu/ouroboros-rag/pkg/chunkstore"
)

func main() {
	if err := run(os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "readStore: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer) error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "configuration file")
	path := flag.String("path", "", "chunk directory, overrides the configuration")
	asJSON := flag.Bool("json", false, "print one JSON object per chunk")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *path == "" {
		*path = conf.ChunkPath()
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{Path: *path, Logger: logger})
	if err != nil {
		return err
	}
	defer kv.Close()

	chunks, err := chunkstore.ListChunks(kv)
	if err != nil {
		return err
	}
	return printChunks(w, chunks, *asJSON)
}

func printChunks(w io.Writer, chunks []chunkstore.ChunkInfo, asJSON bool) error {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })

	byKey := map[string]int{}
	for _, c := range chunks {
		byKey[c.KeyFingerprint]++
		if asJSON {
			if err := json.NewEncoder(w).Encode(c); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "%s\tdim=%d\tsealed=%dB\tkey=%s\tcreated=%s\t%v\n",
			c.ID, c.Dimension, c.CiphertextSize, c.KeyFingerprint, c.CreatedAt.Format("2006-01-02T15:04:05Z"), map[string]any(c.Metadata))
	}
	if asJSON {
		return nil
	}

	fmt.Fprintf(w, "Total number of chunks: %d\n", len(chunks))
	fingerprints := make([]string, 0, len(byKey))
	for fp := range byKey {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)
	for _, fp := range fingerprints {
		fmt.Fprintf(w, "  sealed under %s: %d\n", fp, byKey[fp])
	}
	if len(byKey) > 1 {
		fmt.Fprintln(w, "  chunks are sealed under more than one key, a rotation is unfinished or chunks failed to re-seal")
	}
	return nil
}
