package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"marquee/pkg/catalog"
	"marquee/pkg/engine"
	"marquee/pkg/loader"
)

func printRootHelp() {
	fmt.Println(`marquee - movie catalog image server with a two-tier image cache

Usage:
  marquee <command> [options]

Available Commands:
  init      Write a starter config file
  up        Start the Marquee server
  down      Stop the Marquee server
  prefetch  Warm the image caches from catalog lists or URLs
  help      Show help for a command

Run 'marquee help <command>' for details on a specific command.`)
}

func printInitHelp() {
	fmt.Println(`Usage:
  marquee init [--config <path>]

Options:
  --config   Where to write the config YAML file (default: ./marquee.config.yaml)`)
}

func printUpHelp() {
	fmt.Println(`Usage:
  marquee up [--config <path>]

Options:
  --config   Path to Marquee config YAML file (default: ./marquee.config.yaml)`)
}

func printDownHelp() {
	fmt.Println(`Usage:
  marquee down [--config <path>]

Options:
  --config   Path to Marquee config YAML file (default: ./marquee.config.yaml)`)
}

func printPrefetchHelp() {
	fmt.Println(`Usage:
  marquee prefetch [--config <path>] [--lists now_playing,upcoming] [--pages 1] [--parallel 4] [url ...]

Options:
  --config     Path to Marquee config YAML file (default: ./marquee.config.yaml)
  --lists      Comma separated catalog lists whose posters and thumbnails are fetched
  --pages      Pages to read from each list (default: 1)
  --parallel   Concurrent loads (default: 4)
  --thumbnail  Fetch the given URLs as thumbnails instead of full images`)
}

// resolveConfig parses --config and checks the file exists.
func resolveConfig(name string, args []string, mustExist bool) string {
	cmd := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := cmd.String("config", "marquee.config.yaml", "Path to configuration YAML file")
	return resolvePath(cmd, configPath, args, mustExist)
}

func resolvePath(cmd *flag.FlagSet, configPath *string, args []string, mustExist bool) string {
	if err := cmd.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	absPath, err := filepath.Abs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to resolve config path: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(absPath); mustExist && os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found: %s\n", absPath)
		os.Exit(1)
	}
	return absPath
}

func main() {
	if len(os.Args) < 2 {
		printRootHelp()
		os.Exit(1)
	}

	switch os.Args[1] {

	case "init":
		absPath := resolveConfig("init", os.Args[2:], false)
		if err := engine.InitConfig(absPath); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to write config to %s: %v\n", absPath, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote marquee config to %s\n", absPath)

	case "up":
		absPath := resolveConfig("up", os.Args[2:], true)
		marquee, err := engine.InstantiateEngine(absPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to start marquee: %v\n", err)
			os.Exit(1)
		}
		marquee.Run()

	case "down":
		absPath := resolveConfig("down", os.Args[2:], true)
		if err := engine.KillMarquee(absPath); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to kill the marquee server at %s: %v\n", absPath, err)
			os.Exit(1)
		}
		fmt.Printf("Shut down marquee server at %s \n", absPath)

	case "prefetch":
		runPrefetch(os.Args[2:])

	case "help":
		if len(os.Args) == 2 {
			printRootHelp()
		} else {
			switch os.Args[2] {
			case "init":
				printInitHelp()
			case "up":
				printUpHelp()
			case "down":
				printDownHelp()
			case "prefetch":
				printPrefetchHelp()
			default:
				fmt.Printf("Unknown help topic: %s\n", os.Args[2])
				printRootHelp()
				os.Exit(1)
			}
		}

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printRootHelp()
		os.Exit(1)
	}
}

func runPrefetch(args []string) {
	cmd := flag.NewFlagSet("prefetch", flag.ExitOnError)
	configPath := cmd.String("config", "marquee.config.yaml", "Path to configuration YAML file")
	lists := cmd.String("lists", "", "Comma separated catalog lists")
	pages := cmd.Int("pages", 1, "Pages per list")
	parallel := cmd.Int("parallel", engine.DefaultPrefetchParallelism, "Concurrent loads")
	thumbnail := cmd.Bool("thumbnail", false, "Fetch URLs as thumbnails")
	absPath := resolvePath(cmd, configPath, args, true)

	marquee, err := engine.InstantiateEngine(absPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to start marquee: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	variant := loader.Normal
	if *thumbnail {
		variant = loader.Thumbnail
	}
	var reqs []loader.Request
	for _, u := range cmd.Args() {
		reqs = append(reqs, loader.Request{Key: u, Variant: variant})
	}

	if *lists != "" {
		var names []string
		for _, name := range strings.Split(*lists, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		fromCatalog, err := marquee.CatalogRequests(ctx, names, *pages)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to read catalog lists (known: %s, %s, %s): %v\n",
				catalog.ListNowPlaying, catalog.ListUpcoming, catalog.ListPopular, err)
			_ = marquee.Close()
			os.Exit(1)
		}
		reqs = append(reqs, fromCatalog...)
	}

	result, err := marquee.Prefetch(ctx, reqs, *parallel)
	if closeErr := marquee.Close(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Unable to flush caches: %v\n", closeErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prefetch interrupted: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Prefetched %d images (%d failed)\n", result.Loaded, result.Failed)
}
