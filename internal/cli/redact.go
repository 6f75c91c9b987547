package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dgnsrekt/tabtrace/internal/config"
	"github.com/dgnsrekt/tabtrace/internal/policy"
	"github.com/dgnsrekt/tabtrace/internal/redact"
	"github.com/spf13/cobra"
)

var (
	redactURL    string
	redactPolicy string
	redactLines  bool
)

func init() {
	rootCmd.AddCommand(redactCmd)
	redactCmd.Flags().StringVar(&redactURL, "url", "", "Page URL the data came from; non-production hosts are left untouched")
	redactCmd.Flags().StringVar(&redactPolicy, "policy", "", "Path to redaction policy YAML")
	redactCmd.Flags().BoolVar(&redactLines, "lines", false, "Treat input as JSON lines (one value per line)")
}

var redactCmd = &cobra.Command{
	Use:   "redact [file]",
	Short: "Redact a JSON document or JSONL export",
	Long:  "Reads JSON from a file or stdin, scrubs sensitive values with the same engine the capture store uses, and writes the result to stdout.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRedact,
}

func runRedact(cmd *cobra.Command, args []string) error {
	in := io.Reader(cmd.InOrStdin())
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	path := redactPolicy
	if path == "" {
		if cfg, err := config.Load(); err == nil {
			path = cfg.PolicyFile
		}
	}
	p, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	engine := redact.NewEngine(policy.NewHolder(p), redact.Options{})

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()
	if redactLines {
		return redactJSONLines(engine, in, out, redactURL)
	}
	return redactDocument(engine, in, out, redactURL)
}

func redactDocument(engine *redact.Engine, in io.Reader, out io.Writer, pageURL string) error {
	var doc any
	dec := json.NewDecoder(in)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(engine.DeepRedact(doc, pageURL))
}

func redactJSONLines(engine *redact.Engine, in io.Reader, out io.Writer, pageURL string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	enc := json.NewEncoder(out)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("parse line %d: %w", line, err)
		}
		if err := enc.Encode(engine.DeepRedact(v, pageURL)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
