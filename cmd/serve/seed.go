package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/planel-net/Carto-Dev-sub001/memory"
)

type (
	seedFile struct {
		Tables []seedTable `yaml:"tables"`
	}

	seedTable struct {
		Name    string   `yaml:"name"`
		Headers []string `yaml:"headers"`
		Rows    [][]any  `yaml:"rows"`
	}
)

func loadSeedFile(path string, store *memory.TableStore) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return loadSeed(f, store)
}

// loadSeed creates every table described by the YAML document in r.
func loadSeed(r io.Reader, store *memory.TableStore) error {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	for _, table := range seed.Tables {
		if table.Name == "" {
			return fmt.Errorf("seed table without a name")
		}
		if len(table.Headers) == 0 {
			return fmt.Errorf("seed table %s has no headers", table.Name)
		}
		if err := store.CreateTable(table.Name, table.Headers); err != nil {
			return err
		}
		if err := store.PutRows(table.Name, table.Rows); err != nil {
			return err
		}
	}
	return nil
}
