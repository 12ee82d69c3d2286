package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/acupuncture"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/notes"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// maxInputBytes bounds notes read from a file or stdin.
const maxInputBytes = 1 << 20

func newExtractCmd() *cobra.Command {
	var (
		provider  string
		patientID string
		report    bool
	)
	cmd := &cobra.Command{
		Use:   "extract [FILE]",
		Short: "Extract a structured note from clinical notes",
		Long: "Reads clinical notes from FILE, or stdin when FILE is omitted or \"-\", and\n" +
			"prints the structured note.  With --server and --patient the note is\n" +
			"generated and stored for the patient on the server.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel := cliCtx.withTimeout(cmd.Context())
			defer cancel()

			var n *note.StructuredNote
			switch {
			case cliCtx.Client != nil && patientID != "":
				stored, meta, err := cliCtx.Client.Notes().Generate(ctx, patientID, text)
				if err != nil {
					return err
				}
				cliCtx.Logger.Info("Note stored",
					logging.String("patient_id", stored.PatientID),
					logging.String("note_id", string(stored.ID)),
					logging.Int("icd_misses", meta.ICDMisses),
					logging.Int("point_misses", meta.PointMisses))
				n = &stored.Note
			case patientID != "":
				return errors.InvalidParam("--patient requires --server")
			case cliCtx.Client != nil:
				remote, meta, err := cliCtx.Client.Notes().Extract(ctx, text)
				if err != nil {
					return err
				}
				if report {
					fmt.Fprintf(cmd.ErrOrStderr(), "prompt %s: %d ICD misses, %d point misses\n",
						meta.PromptVersion, meta.ICDMisses, meta.PointMisses)
				}
				n = remote
			default:
				local, rep, err := extractLocal(ctx, cliCtx, provider, text)
				if err != nil {
					return err
				}
				if report {
					printReport(cmd, rep)
				}
				n = local
			}
			if cliCtx.OutputFormat == "text" {
				return printText(cmd, noteView{n})
			}
			return printJSON(cmd, n)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "LLM provider (openai, gemini, anthropic); overrides llm.provider")
	cmd.Flags().StringVar(&patientID, "patient", "", "store the note for this patient (requires --server)")
	cmd.Flags().BoolVar(&report, "report", false, "print non-fatal findings to stderr")
	return cmd
}

func extractLocal(ctx context.Context, cliCtx *CLIContext, providerName, text string) (*note.StructuredNote, *notes.Report, error) {
	cfg := cliCtx.Config.LLM
	if providerName != "" {
		cfg.Provider = providerName
	}
	if cliCtx.Deps.NewProvider == nil {
		return nil, nil, errors.New(errors.ErrCodeLLMNotConfigured, "no LLM provider factory configured")
	}
	provider, err := cliCtx.Deps.NewProvider(ctx, cfg, cliCtx.Logger)
	if err != nil {
		return nil, nil, err
	}
	extractor, err := notes.NewExtractor(provider, notes.WithLogger(cliCtx.Logger))
	if err != nil {
		return nil, nil, err
	}
	return extractor.ExtractWithReport(ctx, text)
}

func printReport(cmd *cobra.Command, r *notes.Report) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "prompt %s, %s\n", r.PromptVersion, r.Duration.Round(time.Millisecond))
	for _, m := range r.ICDMisses {
		fmt.Fprintf(w, "  no ICD-10 code for complaint %d: %q\n", m.Index+1, m.Symptom)
	}
	for _, c := range r.ClassificationMisses {
		fmt.Fprintf(w, "  point %s placed in Other (%s)\n", c.Name, c.Miss)
	}
	for _, t := range r.MissingDuration {
		fmt.Fprintf(w, "  complaint without duration: %q\n", t)
	}
}

// readInput reads args[0], or stdin when no file or "-" is given.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeBadRequest, "cannot open notes file")
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxInputBytes+1))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeBadRequest, "cannot read notes")
	}
	if len(data) > maxInputBytes {
		return "", errors.InvalidParam("notes exceed 1 MiB")
	}
	return string(data), nil
}

// noteView renders a structured note for a terminal.
type noteView struct {
	n *note.StructuredNote
}

func (v noteView) String() string {
	n := v.n
	var sb strings.Builder
	line := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&sb, "%s: %s\n", label, value)
		}
	}

	line("Summary", n.Summary)
	if len(n.ChiefComplaints) > 0 {
		sb.WriteString("Chief complaints:\n")
		for i, cc := range n.ChiefComplaints {
			fmt.Fprintf(&sb, "  %d. %s", i+1, cc.Text)
			if cc.ICDCode != nil {
				label := ""
				if cc.ICDLabel != nil {
					label = " " + *cc.ICDLabel
				}
				fmt.Fprintf(&sb, " [%s%s]", *cc.ICDCode, label)
			}
			sb.WriteString("\n")
		}
	}
	line("HPI", n.HPI)
	line("PMH", n.Subjective.PMH)
	line("FH", n.Subjective.FH)
	line("SH", n.Subjective.SH)
	line("ES", n.Subjective.ES)
	line("Stress", n.Subjective.StressLevel)

	if len(n.TCMReview) > 0 {
		sb.WriteString("TCM review:\n")
		for _, k := range reviewKeys(n.TCMReview) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, strings.Join(n.TCMReview[k], "; "))
		}
	}

	tongue := n.Tongue.Body
	if n.Tongue.Coating != "" {
		tongue = strings.TrimSpace(tongue + "; coating " + n.Tongue.Coating)
	}
	line("Tongue", tongue)
	line("Pulse", n.Pulse.Text)

	diag := n.Diagnosis.TCMDiagnosis
	for _, c := range n.Diagnosis.ICDCodes {
		diag += fmt.Sprintf(" [%s %s]", c.Code, c.Label)
	}
	line("Diagnosis", strings.TrimSpace(diag))
	line("Treatment", n.Treatment)

	if len(n.Acupuncture) > 0 {
		side := n.AcupunctureTreatmentSide
		if side == note.SideNone {
			side = note.SideBoth
		}
		fmt.Fprintf(&sb, "Acupuncture (%s):\n", side)
		for _, l := range acupuncture.FormatRegions(n.Acupuncture, side) {
			sb.WriteString("  " + l + "\n")
		}
	}
	return sb.String()
}

// reviewKeys orders review categories the usual way, unknown keys last.
func reviewKeys(review map[string]note.Findings) []string {
	rank := make(map[string]int, len(note.ReviewCategories))
	for i, k := range note.ReviewCategories {
		rank[k] = i
	}
	keys := make([]string, 0, len(review))
	for k := range review {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

func newPromptCmd() *cobra.Command {
	var schemaOnly bool
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Show the prompt and JSON Schema sent to the LLM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			schema := notes.ProviderSchema()
			if schemaOnly {
				_, err := cmd.OutOrStdout().Write(append(prettyJSON(schema.Schema), '\n'))
				return err
			}
			if cliCtx.OutputFormat == "json" {
				return printJSON(cmd, map[string]interface{}{
					"version":      notes.PromptVersion,
					"system":       notes.SystemPrompt(),
					"userTemplate": notes.UserPromptTemplate(),
					"schemaName":   schema.Name,
					"schema":       schema.Schema,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Prompt %s\n\n## System\n%s\n\n## User\n%s\n\n## Schema %s\n%s\n",
				notes.PromptVersion, notes.SystemPrompt(), notes.UserPromptTemplate(),
				schema.Name, prettyJSON(schema.Schema))
			return nil
		},
	}
	cmd.Flags().BoolVar(&schemaOnly, "schema", false, "print only the JSON Schema")
	return cmd
}

func prettyJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}

// sectionsResult is the parsed section list of one note.
type sectionsResult struct {
	Sections    notes.Sections `json:"sections"`
	StressLevel string         `json:"stressLevel,omitempty"`
}

func (r sectionsResult) TableHeaders() []string { return []string{"LABEL", "REVIEW KEY", "BODY"} }

func (r sectionsResult) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		rows = append(rows, []string{s.Label, s.ReviewKey(), strings.ReplaceAll(s.Body, "\n", " / ")})
	}
	return rows
}

func (r sectionsResult) String() string {
	var sb strings.Builder
	for _, s := range r.Sections {
		fmt.Fprintf(&sb, "[%s]\n%s\n", s.Label, s.Body)
	}
	if r.StressLevel != "" {
		fmt.Fprintf(&sb, "stress level: %s\n", r.StressLevel)
	}
	return sb.String()
}

func newSectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sections [FILE]",
		Short: "Split clinical notes on their section labels (CC, HPI, ES, ...)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errors.EmptyInput("clinical notes are empty")
			}
			return PrintResult(cmd, sectionsResult{
				Sections:    notes.ParseSections(text),
				StressLevel: notes.StressLevelFromNotes(text),
			})
		},
	}
}
