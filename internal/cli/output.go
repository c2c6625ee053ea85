package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/aura-webinar/meetings/internal/backend"
	"github.com/aura-webinar/meetings/internal/models"
	"github.com/aura-webinar/meetings/internal/pipeline"
)

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatText, formatJSON:
		return f, nil
	}
	return "", fmt.Errorf("invalid output format %q (want text or json)", s)
}

type printer struct {
	w      io.Writer
	format outputFormat
}

func newPrinter(w io.Writer, format outputFormat) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v as JSON, or calls text for the text format.
func (p *printer) emit(v any, text func(w io.Writer)) error {
	if p.format == formatJSON {
		return p.json(v)
	}
	text(p.w)
	return nil
}

func (p *printer) meetings(list []models.Meeting) error {
	return p.emit(list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No meetings.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tRECORDING\tINSIGHTS")
		for _, m := range list {
			rec, ins := models.RecordingStatusIdle, models.InsightsStatusIdle
			if m.Recording != nil {
				rec = m.Recording.Status
			}
			if m.Insights != nil {
				ins = m.Insights.Status
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Title, rec, ins)
		}
		_ = tw.Flush()
	})
}

func (p *printer) meeting(m *models.Meeting) error {
	return p.emit(m, func(w io.Writer) {
		fmt.Fprintf(w, "Meeting %s\n", m.ID)
		fmt.Fprintf(w, "  Title: %s\n", m.Title)
	})
}

func (p *printer) progress(id string, prog *models.Progress) error {
	return p.emit(prog, func(w io.Writer) {
		fmt.Fprintf(w, "Meeting %s\n", id)
		fmt.Fprintf(w, "  Recording: %s\n", prog.Recording.Status)
		fmt.Fprintf(w, "  Insights:  %s\n", prog.Insights.Status)
	})
}

func (p *printer) view(v *backend.View) error {
	return p.emit(v, func(w io.Writer) { writeView(w, v) })
}

func writeView(w io.Writer, v *backend.View) {
	m := v.Meeting
	fmt.Fprintf(w, "Meeting %s\n", m.ID)
	fmt.Fprintf(w, "  Title:     %s\n", m.Title)
	if v.Progress != nil {
		fmt.Fprintf(w, "  Recording: %s\n", v.Progress.Recording.Status)
		fmt.Fprintf(w, "  Insights:  %s\n", v.Progress.Insights.Status)
	}
	if rec := m.Recording; rec != nil && rec.ObjectURI != "" {
		fmt.Fprintf(w, "  Media:     %s\n", rec.ObjectURI)
		if rec.DurationSec != nil {
			fmt.Fprintf(w, "  Duration:  %s\n", clock(*rec.DurationSec))
		}
		if rec.Error != "" {
			fmt.Fprintf(w, "  Error:     %s\n", rec.Error)
		}
	}

	if ins := v.Insights; ins != nil {
		if ins.Summary != "" {
			fmt.Fprintf(w, "\nSummary\n  %s\n", ins.Summary)
		}
		if len(ins.Chapters) > 0 {
			fmt.Fprintln(w, "\nChapters")
			for _, c := range ins.Chapters {
				fmt.Fprintf(w, "  %s  %s\n", clock(c.StartSec), c.Title)
			}
		}
		if len(ins.Highlights) > 0 {
			fmt.Fprintln(w, "\nHighlights")
			for _, h := range ins.Highlights {
				fmt.Fprintf(w, "  %s  %s: %s\n", clock(h.StartSec), h.Label, h.Text)
			}
		}
		if len(ins.KeyQuestions) > 0 {
			fmt.Fprintln(w, "\nKey questions")
			for _, q := range ins.KeyQuestions {
				fmt.Fprintf(w, "  - %s\n", q)
			}
		}
		if len(ins.ExtractedActions) > 0 {
			fmt.Fprintln(w, "\nSuggested actions (adopt with: meetingctl action adopt <meeting-id> <n>)")
			for i, a := range ins.ExtractedActions {
				fmt.Fprintf(w, "  [%d] %s%s\n", i, a.Title, actionSuffix(a.Assignee, a.Due))
			}
		}
		if ins.Error != "" {
			fmt.Fprintf(w, "\nInsights error: %s\n", ins.Error)
		}
	}

	if len(m.Agenda) > 0 {
		fmt.Fprintln(w, "\nAgenda")
		for _, it := range m.Agenda {
			fmt.Fprintf(w, "  %s  %s\n", it.ID, it.Item)
		}
	}
	if len(m.Notes) > 0 {
		fmt.Fprintln(w, "\nNotes")
		for _, n := range m.Notes {
			fmt.Fprintf(w, "  %s  %s\n", n.ID, n.Text)
		}
	}
	if len(m.Actions) > 0 {
		fmt.Fprintln(w, "\nActions")
		for _, a := range m.Actions {
			line := a.Title + actionSuffix(a.Assignee, a.Due)
			if a.CalendarEventID != "" {
				line += " [calendar " + a.CalendarEventID + "]"
			}
			fmt.Fprintf(w, "  %s  %s\n", a.ID, line)
		}
	}
}

func actionSuffix(assignee, due string) string {
	var parts []string
	if assignee != "" {
		parts = append(parts, "@"+assignee)
	}
	if due != "" {
		parts = append(parts, "due "+due)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func clock(sec float64) string {
	s := int(sec)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// resultJSON is the machine-readable form of a pipeline run.
type resultJSON struct {
	MeetingID   string        `json:"meetingId"`
	State       string        `json:"state"`
	Outcome     string        `json:"outcome"`
	FailedStage string        `json:"failedStage,omitempty"`
	Error       string        `json:"error,omitempty"`
	View        *backend.View `json:"view,omitempty"`
}

func (p *printer) result(res pipeline.Result) error {
	out := resultJSON{
		MeetingID:   res.MeetingID.String(),
		State:       string(res.State),
		Outcome:     string(res.Outcome),
		FailedStage: res.FailedStage,
		View:        res.View,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return p.emit(out, func(w io.Writer) {
		switch res.State {
		case pipeline.StateDone:
			fmt.Fprintf(w, "Meeting %s: done\n\n", res.MeetingID)
		case pipeline.StateGone:
			fmt.Fprintf(w, "Meeting %s no longer exists; stopped.\n", res.MeetingID)
			return
		default:
			fmt.Fprintf(w, "Meeting %s: %s failed (%s): %v\n", res.MeetingID, res.FailedStage, res.Outcome, res.Err)
			if res.Outcome == pipeline.OutcomeTimeout {
				fmt.Fprintln(w, "The job may still finish; check again with: meetingctl progress", res.MeetingID)
			}
			if res.View != nil {
				fmt.Fprintln(w)
			}
		}
		if res.View != nil {
			writeView(w, res.View)
		}
	})
}

func (p *printer) message(v any, format string, args ...any) error {
	return p.emit(v, func(w io.Writer) { fmt.Fprintf(w, format+"\n", args...) })
}
