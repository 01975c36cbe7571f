// Command threads groups news headlines into events.
//
// Usage:
//
//	threads                 Show help
//	threads run             Thread every configured topic
//	threads runs            List stored runs
//	threads clusters        Show the events of a stored run
//	threads serve           Read-only HTTP API over stored runs
//	threads events          JSONL event log viewer
//	threads init            Write a default config file
package main

import (
	"fmt"
	"os"
)

const usage = `threads - event threading for news headlines

Usage:
  threads <command> [flags]

Commands:
  run         Embed, cluster and report every configured topic
  runs        List stored runs
  clusters    Show the events of a stored run
  serve       Read-only HTTP API over stored runs
  events      JSONL event log viewer
  init        Write a default config file

Environment:
  JINA_API_KEY       Jina AI API key (jina embedder)
  JINA_EMBED_MODEL   Embedding model (default: jina-embeddings-v3)
  OLLAMA_ENDPOINT    Ollama server (ollama embedder)
  THREADS_DB         Database path (default: ~/.threads/threads.db)
  KAFKA_BROKERS      Comma-separated brokers; enables publishing

Run 'threads <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	switch cmd {
	case "run":
		runThreads()
	case "runs":
		runRuns()
	case "clusters":
		runClusters()
	case "serve":
		runServe()
	case "events":
		runEvents()
	case "init":
		runInit()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "threads: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}
