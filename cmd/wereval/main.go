// Command wereval scores transcripts and evaluates recognizers against a
// reference corpus.
//
// Usage:
//
//	wereval [flags] <command> [args]
//
// Commands:
//
//	score    - Score one hypothesis against a reference sentence
//	run      - Transcribe and score corpus suites
//	suites   - List the suites of a corpus
//	history  - Show stored evaluation runs
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-wer/cmd/wereval/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
