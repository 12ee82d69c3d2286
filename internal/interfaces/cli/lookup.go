package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timmyxieat/tcm-intake/internal/intelligence/acupuncture"
	"github.com/timmyxieat/tcm-intake/internal/intelligence/icd"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// parsePointArg parses NAME[:SIDE][:METHOD], e.g. "GB-30:Right:R" or
// "BL-25:T".  Sides are Left, Right or Both; methods T, R or E.
func parsePointArg(arg string) (note.FlatPoint, error) {
	parts := strings.Split(arg, ":")
	p := note.FlatPoint{Name: strings.TrimSpace(parts[0])}
	if p.Name == "" {
		return p, errors.InvalidParam("point name is empty").WithDetail(arg)
	}
	for _, tok := range parts[1:] {
		tok = strings.TrimSpace(tok)
		if side, ok := parseSide(tok); ok && p.Side == note.SideNone {
			p.Side = side
			continue
		}
		if m := note.Method(strings.ToUpper(tok)); m != note.MethodNone && m.Valid() && p.Method == note.MethodNone {
			p.Method = m
			continue
		}
		return p, errors.InvalidParam("invalid point annotation").WithDetail(arg)
	}
	return p, nil
}

func parseSide(s string) (note.Side, bool) {
	switch strings.ToLower(s) {
	case "left":
		return note.SideLeft, true
	case "right":
		return note.SideRight, true
	case "both":
		return note.SideBoth, true
	}
	return note.SideNone, false
}

// classifyResult is the output of the classify command.
type classifyResult struct {
	Points  []acupuncture.Classification `json:"points"`
	Regions []note.Region                `json:"regions"`
	Display []string                     `json:"display"`
}

func (r classifyResult) TableHeaders() []string {
	return []string{"POINT", "REGION", "CHANNEL", "MISS"}
}

func (r classifyResult) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Points))
	for _, c := range r.Points {
		channel := c.Channel
		switch {
		case c.Extra:
			channel = "extra"
		case c.Series != "":
			channel = "Tung " + c.Series
		case channel != "" && c.Index > 0:
			channel += " " + strconv.Itoa(c.Index)
		}
		rows = append(rows, []string{c.Name, string(c.Region), channel, string(c.Miss)})
	}
	return rows
}

func (r classifyResult) String() string {
	return strings.Join(r.Display, "\n") + "\n"
}

type channelTable map[string][]acupuncture.PointRange

func (t channelTable) TableHeaders() []string { return []string{"CHANNEL", "POINTS", "REGION"} }

func (t channelTable) TableRows() [][]string {
	var rows [][]string
	for _, ch := range acupuncture.Channels() {
		for _, r := range t[ch] {
			rows = append(rows, []string{ch, fmt.Sprintf("%d-%d", r.Start, r.End), string(r.Region)})
		}
	}
	return rows
}

func newClassifyCmd() *cobra.Command {
	var (
		defaultSide string
		channels    bool
	)
	cmd := &cobra.Command{
		Use:   "classify POINT...",
		Short: "Group acupuncture points by body region",
		Long: "Classifies each POINT (NAME[:SIDE][:METHOD], e.g. BL-25:T or GB-30:Right)\n" +
			"and prints the points grouped by region with their annotations.",
		Example: "  tcmintake classify LI-4 ST-36:T GB-30:Right \"Yin Tang\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channels {
				table := channelTable{}
				for _, ch := range acupuncture.Channels() {
					table[ch] = acupuncture.ChannelRanges(ch)
				}
				return printTable(cmd, table)
			}
			if len(args) == 0 {
				return errors.InvalidParam("at least one point is required")
			}
			side, ok := parseSide(defaultSide)
			if !ok {
				return errors.InvalidParam("--default-side must be Left, Right or Both").WithDetail(defaultSide)
			}

			points := make([]note.FlatPoint, 0, len(args))
			for _, a := range args {
				p, err := parsePointArg(a)
				if err != nil {
					return err
				}
				points = append(points, p)
			}

			classifier := acupuncture.NewClassifier()
			res := classifyResult{Points: make([]acupuncture.Classification, 0, len(points))}
			for _, p := range points {
				res.Points = append(res.Points, classifier.Classify(p.Name))
			}
			res.Regions = acupuncture.NewOrganizer(classifier).Organize(points)
			res.Display = acupuncture.FormatRegions(res.Regions, side)
			return PrintResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&defaultSide, "default-side", "Both", "session treatment side; sides equal to it are not shown")
	cmd.Flags().BoolVar(&channels, "channels", false, "print the channel table instead")
	return cmd
}

type whitelistTable []icd.Entry

func (w whitelistTable) TableHeaders() []string { return []string{"PHRASE", "CODE", "LABEL"} }

func (w whitelistTable) TableRows() [][]string {
	rows := make([][]string, 0, len(w))
	for _, e := range w {
		rows = append(rows, []string{e.Phrase, e.Code, e.Label})
	}
	return rows
}

func newICDCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "icd PHRASE...",
		Short: "Resolve a symptom phrase to its whitelisted ICD-10 code",
		Example: "  tcmintake icd low back pain\n" +
			"  tcmintake icd \"Neck pain for 3 days\"\n" +
			"  tcmintake icd --list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return printTable(cmd, whitelistTable(icd.Whitelist()))
			}
			phrase := strings.Join(args, " ")
			if strings.TrimSpace(phrase) == "" {
				return errors.InvalidParam("a phrase is required")
			}
			code, ok := icd.ResolveICD10(phrase)
			if !ok {
				code, ok = icd.ResolveICD10(icd.LeadingSymptom(phrase))
			}
			if !ok {
				return errors.NotFound("no whitelisted ICD-10 code for phrase").WithDetail(phrase)
			}
			cliCtx, err := GetCLIContext(cmd)
			if err == nil && cliCtx.OutputFormat == "json" {
				return printJSON(cmd, code)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", code.Code, code.Label)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the whole whitelist")
	return cmd
}
