package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"factorytwin/internal/domain"
	"factorytwin/internal/store"
	twinsdk "factorytwin/sdk/go"
)

const timeLayout = "2006-01-02 15:04"

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	if title != "" {
		tw.SetTitle(title)
	}
	return tw
}

func statusColor(s twinsdk.MachineStatus) text.Colors {
	switch s {
	case twinsdk.StatusRunning:
		return text.Colors{text.FgGreen}
	case twinsdk.StatusMaintenance:
		return text.Colors{text.FgRed}
	default:
		return text.Colors{text.FgYellow}
	}
}

// RenderMachines prints the machine list.
func RenderMachines(w io.Writer, machines []twinsdk.Machine, color bool) {
	tw := newTable(w, "Machines")
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Utilization", "Energy (kW)"})
	for _, m := range machines {
		st := string(m.Status)
		if color {
			st = statusColor(m.Status).Sprint(st)
		}
		tw.AppendRow(table.Row{m.ID, m.Name, st, fmt.Sprintf("%.1f%%", m.Utilization), fmt.Sprintf("%.2f", m.EnergyUsage)})
	}
	tw.Render()
}

// RenderOrders prints the orders table.
func RenderOrders(w io.Writer, orders []twinsdk.Order) {
	tw := newTable(w, "Orders")
	tw.AppendHeader(table.Row{"ID", "Customer", "Quantity", "Deadline", "Status"})
	for _, o := range orders {
		tw.AppendRow(table.Row{o.ID, o.Customer, o.Quantity, formatTime(o.Deadline.Time), o.Status})
	}
	tw.Render()
}

// LatestPrice returns the energy price with the newest timestamp.
func LatestPrice(series []twinsdk.EnergyPrice) (twinsdk.EnergyPrice, bool) {
	if len(series) == 0 {
		return twinsdk.EnergyPrice{}, false
	}
	latest := series[0]
	for _, p := range series[1:] {
		if p.Timestamp.After(latest.Timestamp.Time) {
			latest = p
		}
	}
	return latest, true
}

// RenderEnergy prints the latest price and the series in backend order.
func RenderEnergy(w io.Writer, series []twinsdk.EnergyPrice) {
	tw := newTable(w, "Energy prices")
	tw.AppendHeader(table.Row{"Timestamp", "Price / kWh"})
	for _, p := range series {
		tw.AppendRow(table.Row{formatTime(p.Timestamp.Time), fmt.Sprintf("%.4f", p.PricePerKWh)})
	}
	if latest, ok := LatestPrice(series); ok {
		tw.AppendFooter(table.Row{"latest", fmt.Sprintf("%.4f", latest.PricePerKWh)})
	}
	tw.Render()
}

// RenderDecisions prints the decision log, newest first.
func RenderDecisions(w io.Writer, decisions []twinsdk.AgentDecision, limit int) {
	tw := newTable(w, "Agent decisions")
	tw.AppendHeader(table.Row{"Time", "Agent", "Actions", "Summary"})
	for i, d := range decisions {
		if limit > 0 && i >= limit {
			break
		}
		actions, summary := describeDecision(d)
		tw.AppendRow(table.Row{formatTime(d.CreatedAt.Time), d.Agent, actions, summary})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 60}})
	tw.Render()
}

func describeDecision(d twinsdk.AgentDecision) (string, string) {
	content, err := d.Content()
	if err != nil {
		return "-", truncate(d.Decision, 60)
	}
	var parts []string
	for _, a := range content.Actions {
		parts = append(parts, fmt.Sprintf("%s#%d", a.Action, a.MachineID))
	}
	summary := content.Impact.Notes
	if summary == "" && (content.Impact.EnergyChangePercent != 0 || content.Impact.ThroughputChangePercent != 0) {
		summary = fmt.Sprintf("energy %+.1f%%, throughput %+.1f%%", content.Impact.EnergyChangePercent, content.Impact.ThroughputChangePercent)
	}
	if len(parts) == 0 {
		return "-", summary
	}
	return strings.Join(parts, ", "), summary
}

// RenderActions prints a proposed action list.
func RenderActions(w io.Writer, title string, actions []twinsdk.Action) {
	tw := newTable(w, title)
	tw.AppendHeader(table.Row{"#", "Action", "Machine", "Value"})
	for i, a := range actions {
		tw.AppendRow(table.Row{i + 1, a.Action, a.MachineID, a.Value})
	}
	tw.Render()
}

// RenderView prints the live dashboard: working machines, latest energy
// price, orders summary and recent decisions.
func RenderView(w io.Writer, v store.View, decisions int) {
	fmt.Fprintf(w, "phase=%s revision=%d\n", v.Phase, v.Revision)
	RenderMachines(w, v.Working, true)
	if latest, ok := LatestPrice(v.Energy); ok {
		fmt.Fprintf(w, "Energy price: %.4f/kWh at %s\n", latest.PricePerKWh, formatTime(latest.Timestamp.Time))
	}
	open := 0
	for _, o := range v.Orders {
		if o.Status != twinsdk.OrderCompleted && o.Status != twinsdk.OrderCancelled {
			open++
		}
	}
	fmt.Fprintf(w, "Orders: %d total, %d open\n", len(v.Orders), open)
	if len(v.Proposed) > 0 {
		RenderActions(w, "Proposed by "+v.ProposedBy, v.Proposed)
	}
	RenderDecisions(w, v.Decisions, decisions)
}

// RenderJournal prints journal rows.
func RenderJournal(w io.Writer, entries []domain.JournalEntry) {
	tw := newTable(w, "")
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
	for _, e := range entries {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += ":" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, truncate(e.Payload, 80)})
	}
	tw.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
