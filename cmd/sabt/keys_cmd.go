package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/peyvand-edu/sabt-core/pkg/config"
	"github.com/peyvand-edu/sabt-core/pkg/signing"
)

// runKeysCmd implements `sabt keys <generate|promote|show>`.
//
// generate adds a fresh key in state next; promote makes the next key
// active and retires the previous one. URLs signed by either key verify
// during the overlap, so a rotation never breaks links already issued.
//
// Exit codes:
//
//	0 = ok
//	2 = configuration error
//	3 = runtime error
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: sabt keys <generate|promote|show> [--kid id] [--keys path] [--json]")
		return 2
	}
	sub := args[0]

	cmd := flag.NewFlagSet("keys "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kid        string
		path       string
		jsonOutput bool
	)
	cmd.StringVar(&kid, "kid", "", "Key id for generate (default: random)")
	cmd.StringVar(&path, "keys", "", "Key set file (default: SABT_SIGNING_KEYS)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
			return 2
		}
		path = cfg.SigningKeysPath
	}

	ks, err := signing.LoadKeySet(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		_, _ = fmt.Fprintln(stderr, "Hint: `sabt serve` creates a key set on first start outside production.")
		return 2
	}

	switch sub {
	case "generate":
		if kid == "" {
			kid = freshKID()
		}
		k, err := ks.Generate(kid)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 3
		}
		if err := ks.Save(path); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 3
		}
		if jsonOutput {
			printKeys(stdout, path, ks)
		} else {
			_, _ = fmt.Fprintf(stdout, "✅ Generated next key %s%s%s\n", ColorBold+ColorGreen, k.KID, ColorReset)
			_, _ = fmt.Fprintln(stdout, "   Promote it once every replica has reloaded the key set.")
		}
		return 0

	case "promote":
		k, err := ks.Promote()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 3
		}
		if err := ks.Save(path); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 3
		}
		if jsonOutput {
			printKeys(stdout, path, ks)
		} else {
			_, _ = fmt.Fprintf(stdout, "✅ Promoted %s%s%s to active\n", ColorBold+ColorGreen, k.KID, ColorReset)
		}
		return 0

	case "show":
		if jsonOutput {
			printKeys(stdout, path, ks)
		} else {
			_, _ = fmt.Fprintf(stdout, "Signing keys (%s):\n", path)
			for _, k := range ks.Keys() {
				_, _ = fmt.Fprintf(stdout, "  %-12s %s\n", k.KID, k.State)
			}
		}
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", sub)
		return 2
	}
}

// printKeys lists kid and state only. Secrets never reach stdout; the
// Key type excludes them from JSON.
func printKeys(stdout io.Writer, path string, ks *signing.KeySet) {
	result := map[string]any{"path": path, "keys": ks.Keys()}
	data, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
}
