// Command validate checks procedure catalog files against the catalog
// JSON schema before they are deployed.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gnemet/procgrid/registry"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: validate <schema_path> <catalog_path1> [catalog_path2] ...")
		os.Exit(1)
	}

	schema, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatalf("Cannot read schema: %v", err)
	}

	allValid := true
	for _, path := range os.Args[2:] {
		if err := validateCatalog(schema, path); err != nil {
			fmt.Printf("FAIL %s: %v\n", filepath.Base(path), err)
			allValid = false
			continue
		}
		fmt.Printf("OK   %s\n", filepath.Base(path))
	}

	if !allValid {
		os.Exit(1)
	}
}

func validateCatalog(schema []byte, path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := registry.ValidateData(schema, doc); err != nil {
		return err
	}
	// The schema cannot express the cross-field invariants (unique
	// names, page-size ordering), so build the registry too.
	_, err = registry.FromData(doc)
	return err
}
