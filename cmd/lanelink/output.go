package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/lanelink/internal/control"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/link"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	headerCell = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell       = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return cell
		}).
		Headers(headers...)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func printStatus(st link.Status) {
	state := errorStyle.Render("stopped")
	if st.Running {
		state = okStyle.Render("running")
	}
	fmt.Println(titleStyle.Render("Engine status"))

	t := newTable("Field", "Value").
		Row("State", state).
		Row("Started", since(st.StartedAt)).
		Row("Uptime", st.Uptime.Truncate(time.Second).String()).
		Row("Active links", humanize.Comma(int64(st.ActiveLinks))).
		Row("Pending builds", humanize.Comma(int64(st.PendingBuilds))).
		Row("Pending teardowns", humanize.Comma(int64(st.PendingTeardowns))).
		Row("Lane bindings", humanize.Comma(int64(st.LaneBindings))).
		Row("Cached addresses", humanize.Comma(int64(st.CachedAddresses))).
		Row("Cache hits/misses", fmt.Sprintf("%s / %s",
			humanize.Comma(int64(st.CacheHits)), humanize.Comma(int64(st.CacheMisses)))).
		Row("Dropped events", humanize.Comma(int64(st.DroppedEvents)))
	fmt.Println(t)
}

func printLinks(links []lane.ActiveLink) {
	if len(links) == 0 {
		fmt.Println(dimStyle.Render("No active links"))
		return
	}
	t := newTable("Link", "Request", "Peer", "Type", "Requested", "Owner", "Up since")
	for _, l := range links {
		t.Row(
			strconv.Itoa(l.LinkID),
			strconv.FormatUint(uint64(l.ReqID), 10),
			l.Peer.Short(),
			l.Type.String(),
			l.Info.RequestedType.String(),
			strconv.Itoa(int(l.OwnerPID)),
			since(l.CreatedAt),
		)
	}
	fmt.Println(t)
}

func printRequests(r *control.RequestsResponse) {
	fmt.Println(titleStyle.Render("Builds in flight"))
	if len(r.Builds) == 0 {
		fmt.Println(dimStyle.Render("  none"))
	} else {
		t := newTable("Request", "Peer", "Type", "Guide", "Trace", "Started")
		for _, b := range r.Builds {
			t.Row(
				strconv.FormatUint(uint64(b.ReqID), 10),
				b.Peer.Short(),
				b.LinkType.String(),
				b.Guide,
				b.TraceID,
				since(b.CreatedAt),
			)
		}
		fmt.Println(t)
	}

	fmt.Println(titleStyle.Render("Teardowns in flight"))
	if len(r.Teardowns) == 0 {
		fmt.Println(dimStyle.Render("  none"))
		return
	}
	t := newTable("Link", "Request", "Peer", "Type", "Path", "Started")
	for _, td := range r.Teardowns {
		path := "raw"
		if td.AuthPath {
			path = "auth"
		}
		t.Row(
			strconv.Itoa(td.LinkID),
			strconv.FormatUint(uint64(td.ReqID), 10),
			td.Peer.Short(),
			td.LinkType.String(),
			path,
			since(td.CreatedAt),
		)
	}
	fmt.Println(t)
}

func printBindings(bindings []lifecycle.Binding) {
	if len(bindings) == 0 {
		fmt.Println(dimStyle.Render("No lane bindings"))
		return
	}
	t := newTable("Business", "Link", "Peer", "Refs")
	for _, b := range bindings {
		t.Row(b.Business.String(), b.Link.Type.String(), b.Link.Peer.Short(), strconv.Itoa(b.Refs))
	}
	fmt.Println(t)
}

func formatEvent(ev lifecycle.Event) string {
	state := okStyle.Render("UP  ")
	if ev.State == lane.LinkDown {
		state = errorStyle.Render("DOWN")
	}
	line := fmt.Sprintf("%s %s %s %s", dimStyle.Render(ev.At.Format(time.TimeOnly)), state, ev.Peer.Short(), ev.Link)
	if len(ev.Business) > 0 {
		line += dimStyle.Render(fmt.Sprintf(" business=%v", ev.Business))
	}
	return line
}
