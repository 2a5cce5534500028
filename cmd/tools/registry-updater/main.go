// cmd/tools/registry-updater/main.go
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"filing-workflow/pkg/registry"
)

const defaultPath = "configs/section-registry.json"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		help(out)
		return fmt.Errorf("missing command")
	}

	switch args[0] {
	case "init":
		fs := flag.NewFlagSet("init", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to registry file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("registry %s already exists", *path)
		}
		if err := registry.Default().Save(*path); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote default registry with %d sections to %s\n", registry.SectionCount, *path)

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to registry file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cat, err := registry.LoadRegistry(*path)
		if err != nil {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		for _, s := range cat.Sections {
			schema := "no schema"
			if len(s.Schema) > 0 {
				schema = "schema"
			}
			fmt.Fprintf(out, "%2d  %-28s %s\n", s.Number, s.Title, schema)
		}

	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to registry file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cat, err := registry.LoadRegistry(*path)
		if err != nil {
			return fmt.Errorf("registry validation failed: %w", err)
		}
		fmt.Fprintf(out, "Registry validation passed. Found %d sections (version %s).\n", len(cat.Sections), cat.Version)

	case "set-title":
		fs := flag.NewFlagSet("set-title", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to registry file")
		number := fs.String("section", "", "Section number (1-10)")
		title := fs.String("title", "", "New section title")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *number == "" || *title == "" {
			return fmt.Errorf("section and title are required for set-title")
		}
		n, err := strconv.Atoi(*number)
		if err != nil {
			return fmt.Errorf("invalid section number %q: %w", *number, err)
		}
		if err := setTitle(*path, n, *title); err != nil {
			return err
		}
		fmt.Fprintf(out, "Updated section %d title to %q\n", n, *title)

	case "help":
		help(out)

	default:
		help(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func setTitle(path string, number int, title string) error {
	cat, err := registry.LoadRegistry(path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	found := false
	for i := range cat.Sections {
		if cat.Sections[i].Number == number {
			cat.Sections[i].Title = title
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("section %d not found", number)
	}
	if err := cat.Validate(); err != nil {
		return err
	}
	return cat.Save(path)
}

func help(out io.Writer) {
	fmt.Fprintln(out, `
Usage: registry-updater <command> [flags]

Commands:
  init       Write the built-in ten-section registry
  list       List sections and whether they carry a schema
  validate   Validate the registry file
  set-title  Rename a section
  help       Show this help message

Examples:
  registry-updater init -path configs/section-registry.json
  registry-updater set-title -section 5 -title "Management and Governance"
  registry-updater validate -path configs/section-registry.json

Use 'registry-updater <command> -h' for more information about a command.`)
}
