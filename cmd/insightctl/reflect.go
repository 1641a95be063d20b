package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	insighthttp "github.com/fyrsmithlabs/insightd/internal/http"
	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/spf13/cobra"
)

func newReflectCmd(opts *options) *cobra.Command {
	var (
		req      insighthttp.CreateReflectionRequest
		severity string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "reflect [file]",
		Short: "Submit a reflection",
		Long: `Submit a reflection from a JSON file, stdin, or flags. Flags override
fields read from the file.

Examples:
  # From a file
  insightctl reflect retro.json

  # From stdin
  cat retro.json | insightctl reflect -

  # From flags
  insightctl reflect --author alice --pain "login times out" \
    --impact "users locked out" --evidence incident://42 --confidence 7`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := insighthttp.CreateReflectionRequest{RoleType: reflection.RoleImplementer}
			if len(args) == 1 {
				if err := readReflection(cmd.InOrStdin(), args[0], &body); err != nil {
					return err
				}
			}
			mergeFlags(cmd, &body, req, severity, role)
			if body.Pain == "" || body.Author == "" {
				return errors.New("pain and author are required")
			}

			var created reflection.Reflection
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/reflections", nil, body, &created); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), created)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reflection %s recorded\n", created.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "reflection id (resubmitting the same id is a no-op)")
	f.StringVar(&req.Pain, "pain", "", "what went wrong")
	f.StringVar(&req.Impact, "impact", "", "who or what it affected")
	f.StringSliceVar(&req.Evidence, "evidence", nil, "evidence reference (repeatable)")
	f.StringVar(&req.SuspectedWhy, "why", "", "suspected cause")
	f.StringVar(&req.ProposedFix, "fix", "", "proposed fix")
	f.StringVar(&req.WentWell, "went-well", "", "what went well")
	f.Float64Var(&req.Confidence, "confidence", 0, "confidence 0-10")
	f.StringVar(&severity, "severity", "", "low, medium, high or critical")
	f.StringVar(&role, "role", "", "implementer, reviewer, lead, operator or observer")
	f.StringVar(&req.Author, "author", "", "author of the reflection")
	f.StringVar(&req.TeamID, "team", "", "team id")
	f.StringVar(&req.TaskID, "task", "", "related task id")
	f.StringSliceVar(&req.Tags, "tag", nil, "tag such as stage:deploy or unit:billing (repeatable)")
	return cmd
}

func readReflection(stdin io.Reader, path string, into *insighthttp.CreateReflectionRequest) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse reflection JSON: %w", err)
	}
	return nil
}

// mergeFlags copies every flag the user set onto body.
func mergeFlags(cmd *cobra.Command, body *insighthttp.CreateReflectionRequest, flags insighthttp.CreateReflectionRequest, severity, role string) {
	changed := cmd.Flags().Changed
	if changed("id") {
		body.ID = flags.ID
	}
	if changed("pain") {
		body.Pain = flags.Pain
	}
	if changed("impact") {
		body.Impact = flags.Impact
	}
	if changed("evidence") {
		body.Evidence = flags.Evidence
	}
	if changed("why") {
		body.SuspectedWhy = flags.SuspectedWhy
	}
	if changed("fix") {
		body.ProposedFix = flags.ProposedFix
	}
	if changed("went-well") {
		body.WentWell = flags.WentWell
	}
	if changed("confidence") {
		body.Confidence = flags.Confidence
	}
	if changed("severity") {
		body.Severity = reflection.Severity(severity)
	}
	if changed("role") {
		body.RoleType = reflection.RoleType(role)
	}
	if changed("author") {
		body.Author = flags.Author
	}
	if changed("team") {
		body.TeamID = flags.TeamID
	}
	if changed("task") {
		body.TaskID = flags.TaskID
	}
	if changed("tag") {
		body.Tags = flags.Tags
	}
}

func newReingestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reingest <reflection-id>",
		Short: "Run a stored reflection through the engine again",
		Long: `Replay a stored reflection into the insight engine. Ingestion is
idempotent, so this only has an effect if the original ingest failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res insight.IngestResult
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/reflections/"+args[0]+"/ingest", nil, nil, &res); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			id := ""
			if res.Insight != nil {
				id = res.Insight.ID
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\nInsight: %s\n", res.Outcome, id)
			return nil
		},
	}
}
