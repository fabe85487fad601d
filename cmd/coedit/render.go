package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/gradkit/coedit/pkg/core"
)

type renderOptions struct {
	Now         time.Time
	PresenceTTL time.Duration
	LockTTL     time.Duration
}

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	section lipgloss.Style
	key     lipgloss.Style
	detail  lipgloss.Style
	live    lipgloss.Style
	stale   lipgloss.Style
	empty   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		section: lipgloss.NewStyle().MarginTop(1).Bold(true).Foreground(lipgloss.Color("39")),
		key:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Width(24),
		detail:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		live:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		stale:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		empty:   lipgloss.NewStyle().Faint(true),
	}
}

// renderRecord draws presence, locks and content of rec, marking entries
// that are stale at opts.Now.
func renderRecord(rec core.Record, opts renderOptions) string {
	s := newStyles()
	lines := []string{
		s.title.Render(rec.ID),
		s.header.Render(fmt.Sprintf("revision %d, last saved %s", rec.Revision, formatTime(rec.LastModifiedAt))),
	}

	lines = append(lines, s.section.Render("Editors"))
	if len(rec.ActiveEditors) == 0 {
		lines = append(lines, s.empty.Render("nobody is editing"))
	}
	for _, id := range sortedKeys(rec.ActiveEditors) {
		e := rec.ActiveEditors[id]
		lines = append(lines, s.key.Render(e.DisplayLabel)+" "+
			s.detail.Render(fmt.Sprintf("%s seen %s ", id, age(opts.Now, e.LastSeenAt)))+
			status(s, e.Stale(opts.Now, opts.PresenceTTL)))
	}

	lines = append(lines, s.section.Render("Locks"))
	if len(rec.LockedFields) == 0 {
		lines = append(lines, s.empty.Render("no fields locked"))
	}
	for _, key := range sortedKeys(rec.LockedFields) {
		l := rec.LockedFields[key]
		lines = append(lines, s.key.Render(key)+" "+
			s.detail.Render(fmt.Sprintf("%s since %s ", l.HolderLabel, age(opts.Now, l.AcquiredAt)))+
			status(s, l.Stale(opts.Now, opts.LockTTL)))
	}

	lines = append(lines, s.section.Render("Fields"))
	if len(rec.Fields) == 0 {
		lines = append(lines, s.empty.Render("no content"))
	}
	for _, key := range sortedKeys(rec.Fields) {
		lines = append(lines, s.key.Render(key)+" "+s.detail.Render(fmt.Sprint(rec.Fields[key])))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func status(s styles, stale bool) string {
	if stale {
		return s.stale.Render("stale")
	}
	return s.live.Render("live")
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339Nano)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
