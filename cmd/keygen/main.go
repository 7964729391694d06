package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/i5heu/ouroboros-rag/internal/config"
	"github.com/i5heu/ouroboros-rag/pkg/keys"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("out", "ouroboros.key", "path of the key file to write")
	fromPassphrase := flag.Bool("passphrase", false, "derive the key from $"+config.EnvPassphrase+" instead of generating it")
	saltPath := flag.String("salt", "ouroboros.salt", "salt file used with -passphrase, created when missing")
	iterations := flag.Int("iterations", keys.DefaultIterations, "PBKDF2 iterations used with -passphrase")
	force := flag.Bool("force", false, "overwrite an existing key file")
	flag.Parse()

	_ = godotenv.Load()

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s exists, use -force to overwrite", *out)
	}

	var (
		key keys.Key
		err error
	)
	if *fromPassphrase {
		passphrase := os.Getenv(config.EnvPassphrase)
		if passphrase == "" {
			return fmt.Errorf("$%s is not set", config.EnvPassphrase)
		}
		salt, err := keys.LoadOrCreateSalt(*saltPath)
		if err != nil {
			return err
		}
		key, err = keys.Derive([]byte(passphrase), salt, *iterations)
		if err != nil {
			return err
		}
	} else {
		key, err = keys.Generate()
		if err != nil {
			return err
		}
	}

	if err := keys.Save(key, *out); err != nil {
		return err
	}
	fmt.Printf("wrote %s (fingerprint %s)\n", *out, key.Fingerprint())
	return nil
}
