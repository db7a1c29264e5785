package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/BioHazard786/voicelink/internal/call"
	"github.com/BioHazard786/voicelink/internal/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// CallSummaryView renders the final state of a call as a two-column table.
func CallSummaryView(st call.Status) string {
	t := table.NewWriter()
	t.SetTitle(IconCall + " Call Summary")
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Color.Header = text.Colors{text.Bold, text.FgHiGreen}
	t.AppendHeader(table.Row{"Metric", "Value"})

	outcome := st.State.String()
	switch st.State {
	case call.StateEnded:
		outcome = IconHangUp + " Ended"
	case call.StateFailed:
		outcome = IconError + " Failed"
	}

	peer := st.PeerName
	if peer == "" {
		peer = st.PeerID
	}

	t.AppendRows([]table.Row{
		{"Outcome", outcome},
		{"Peer", peer},
		{"Role", string(st.Role)},
		{"Duration", utils.FormatTimeDuration(st.Duration)},
	})
	if st.Network != "" {
		t.AppendRow(table.Row{"Network", string(st.Network)})
	}
	if st.Reason != "" {
		t.AppendRow(table.Row{"Reason", st.Reason})
	}
	return t.Render()
}

// RenderCallSummary writes the call summary to w, or stdout when w is nil.
func RenderCallSummary(w io.Writer, st call.Status) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, CallSummaryView(st))
}
