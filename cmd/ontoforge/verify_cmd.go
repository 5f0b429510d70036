package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ontoforge/ontoforge/pkg/verifier"
)

// runVerifyCmd implements `ontoforge verify`.
//
// Audits a receipt against the current filesystem: the full seven-check
// sweep always runs, and every check's status is reported even when several
// fail at once.
//
// Exit codes:
//
//	0 = VERIFIED
//	1 = FAILED
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		receiptPath string
		rootDir     string
		jsonOutput  bool
		jsonOutFile string
	)

	cmd.StringVar(&receiptPath, "receipt", "", "Path to the receipt JSON (REQUIRED)")
	cmd.StringVar(&rootDir, "workspace", "", "Override the workspace root recorded in the receipt")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write the structured audit result to a file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if receiptPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --receipt is required")
		return 2
	}

	v := verifier.New()
	v.Root = rootDir
	result, err := v.Verify(receiptPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(result, "", "  ")
		if writeErr := os.WriteFile(jsonOutFile, data, 0o644); writeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write audit result: %v\n", writeErr)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Audit result written to %s\n", jsonOutFile)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Receipt %s\n", result.ReceiptID)
		for _, c := range result.Checks {
			_, _ = fmt.Fprintf(stdout, "  [%s] %s: %s\n", c.Verdict, c.CheckID, c.Message)
		}
		_, _ = fmt.Fprintln(stdout, result.Result)
	}

	if !result.Passed() {
		return 1
	}
	return 0
}
