package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/config"
	"github.com/Mindburn-Labs/helm-ops/pkg/controlplane"
	"github.com/Mindburn-Labs/helm-ops/pkg/evidence"
	"github.com/Mindburn-Labs/helm-ops/pkg/versioning"
)

// openRuntimeFn is swapped in tests to avoid touching the real data dir.
var openRuntimeFn = openRuntime

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

func runVersionCmd(stdout, stderr io.Writer) int {
	info, err := versioning.Current()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := info.ToJSON()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

// runAuditCmd implements `helm-ops audit verify <file>`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = usage or read error
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-ops audit verify [--json] <export.json>")
		return 2
	}
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one export file is required")
		return 2
	}

	path := cmd.Arg(0)
	events, err := audit.ReadExport(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	v := audit.VerifyEvents(events)

	if *jsonOutput {
		printJSON(stdout, v)
	} else if v.Valid {
		_, _ = fmt.Fprintf(stdout, "%s✅ Audit chain intact%s: %s (%d entries)\n", ColorGreen, ColorReset, path, v.Entries)
	} else {
		reason := ""
		if v.Error != nil {
			reason = *v.Error
		}
		_, _ = fmt.Fprintf(stdout, "%s❌ Audit chain broken%s at %s: %s\n", ColorRed, ColorReset, v.BrokenAt, reason)
	}
	if !v.Valid {
		return 1
	}
	return 0
}

func runEvidenceCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-ops evidence <export|verify> [options]")
		return 2
	}
	switch args[0] {
	case "export":
		return runEvidenceExport(args[1:], stdout, stderr)
	case "verify":
		return runEvidenceVerify(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown evidence subcommand: %s\n", args[0])
		return 2
	}
}

// runEvidenceExport writes a bundle from the local state store, acting as
// the default local actor.
func runEvidenceExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evidence export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		workspace  string
		outDir     string
		upload     bool
		jsonOutput bool
		recipients stringList
	)
	cmd.StringVar(&workspace, "workspace", "", "Workspace ID (REQUIRED)")
	cmd.StringVar(&outDir, "out", "", "Output directory (default: <data dir>/evidence-<timestamp>)")
	cmd.BoolVar(&upload, "upload", false, "Also upload the bundle to the artifact store")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	cmd.Var(&recipients, "recipient", "age recipient public key (repeatable)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if workspace == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --workspace is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntimeFn(ctx, config.Load())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close(ctx)

	res, err := rt.svc.ExportEvidence(ctx, workspace, controlplane.Governed{}, controlplane.EvidenceOptions{
		OutputDir:  outDir,
		Recipients: recipients,
		Upload:     upload,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s❌ Evidence export failed:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}

	if jsonOutput {
		printJSON(stdout, res)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✅ Evidence bundle written%s: %s (%d files)\n", ColorGreen, ColorReset, res.OutputDir, len(res.Files))
		_, _ = fmt.Fprintf(stdout, "   Manifest:  %s\n", res.ManifestDigest)
		_, _ = fmt.Fprintf(stdout, "   Encrypted: %t\n", res.Encrypted)
		if len(res.Uploaded) > 0 {
			_, _ = fmt.Fprintf(stdout, "   Uploaded:  %d objects\n", len(res.Uploaded))
		}
	}
	return 0
}

func runEvidenceVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evidence verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-ops evidence verify [--json] <bundle-dir>")
		return 2
	}

	dir := cmd.Arg(0)
	verdict, err := evidence.Verify(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if *jsonOutput {
		printJSON(stdout, verdict)
	} else if verdict.Satisfied {
		_, _ = fmt.Fprintf(stdout, "%s✅ Evidence bundle verification PASSED%s\n", ColorGreen, ColorReset)
		_, _ = fmt.Fprintf(stdout, "Bundle: %s\n", dir)
		_, _ = fmt.Fprintf(stdout, "Files:  %d\n", verdict.Files)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s❌ Evidence bundle verification FAILED%s\n", ColorRed, ColorReset)
		_, _ = fmt.Fprintf(stdout, "Bundle: %s\n", dir)
		for _, name := range verdict.Missing {
			_, _ = fmt.Fprintf(stdout, "  - missing: %s\n", name)
		}
		for _, name := range verdict.Mismatched {
			_, _ = fmt.Fprintf(stdout, "  - mismatched: %s\n", name)
		}
	}
	if !verdict.Satisfied {
		return 1
	}
	return 0
}
