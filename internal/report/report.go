// Package report renders aggregation results for terminals and scripts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cam3ron2/github-loc/internal/loc"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Format selects the output encoding.
type Format string

const (
	// FormatTable renders aligned text tables.
	FormatTable Format = "table"
	// FormatJSON renders the same document the HTTP API serves.
	FormatJSON Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want table or json)", raw)
	}
}

// Options configures rendering.
type Options struct {
	Format Format
	// MaxUsers limits table rows. Zero shows every user.
	MaxUsers int
	// Now anchors relative times.
	Now func() time.Time
}

// Write renders doc to w.
func Write(w io.Writer, doc loc.Report, opts Options) error {
	if opts.Format == FormatJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var b strings.Builder
	b.WriteString(header(doc, opts.Now()))
	b.WriteString("\n\n")
	b.WriteString(usersTable(doc.UserSummaries, opts.MaxUsers))
	b.WriteString("\n")
	if detail := repositoriesTable(doc.UserSummaries, opts.MaxUsers); detail != "" {
		b.WriteString("\n")
		b.WriteString(detail)
		b.WriteString("\n")
	}
	if len(doc.Degradations) > 0 {
		b.WriteString("\n")
		b.WriteString(degradationsTable(doc.Degradations))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteUser renders a single-user report to w.
func WriteUser(w io.Writer, summary loc.UserSummary, window loc.Window, degradations []loc.Degradation, opts Options) error {
	return Write(w, loc.Report{
		User:          summary.Username,
		From:          window.From,
		To:            window.To,
		UserSummaries: []loc.UserSummary{summary},
		Metadata: loc.Metadata{
			TotalRepositories: len(summary.Repositories),
			TotalUsers:        1,
			TotalLOC:          summary.TotalLOC,
			TotalCommits:      summary.TotalCommits,
		},
		Partial:      len(degradations) > 0,
		Degradations: degradations,
	}, opts)
}

func header(doc loc.Report, now time.Time) string {
	subject := doc.Organization
	if subject == "" {
		subject = doc.User
	}

	lines := []string{
		fmt.Sprintf("=== %s: %s to %s ===", subject, doc.From.Format(time.DateOnly), doc.To.Format(time.DateOnly)),
		fmt.Sprintf("Users: %s  Repositories: %s  LOC: %s  Commits: %s",
			humanize.Comma(int64(doc.Metadata.TotalUsers)),
			humanize.Comma(int64(doc.Metadata.TotalRepositories)),
			humanize.Comma(int64(doc.Metadata.TotalLOC)),
			humanize.Comma(int64(doc.Metadata.TotalCommits)),
		),
	}
	if doc.Metadata.RepositoriesListed > 0 {
		lines = append(lines, fmt.Sprintf("Scanned %s repositories, %s with contributor stats",
			humanize.Comma(int64(doc.Metadata.RepositoriesListed)),
			humanize.Comma(int64(doc.Metadata.RepositoriesWithStats)),
		))
	}
	if !doc.CollectedAt.IsZero() {
		lines = append(lines, "Collected "+humanize.RelTime(doc.CollectedAt, now, "ago", "from now"))
	}
	if doc.Partial {
		lines = append(lines, fmt.Sprintf("PARTIAL: %d unit(s) of work degraded", len(doc.Degradations)))
	}
	return strings.Join(lines, "\n")
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Format.Footer = text.FormatDefault
	return tbl
}

func usersTable(users []loc.UserSummary, limit int) string {
	shown := limitUsers(users, limit)

	tbl := newTable()
	tbl.AppendHeader(table.Row{"#", "User", "Additions", "Deletions", "LOC", "Commits", "Repos"})
	for i, user := range shown {
		tbl.AppendRow(table.Row{
			i + 1,
			user.Username,
			humanize.Comma(int64(user.TotalAdditions)),
			humanize.Comma(int64(user.TotalDeletions)),
			humanize.Comma(int64(user.TotalLOC)),
			humanize.Comma(int64(user.TotalCommits)),
			repositoryCount(user),
		})
	}
	footer := fmt.Sprintf("Total: %d users", len(users))
	if len(shown) < len(users) {
		footer = fmt.Sprintf("Showing %d of %d users", len(shown), len(users))
	}
	tbl.AppendFooter(table.Row{footer})
	return tbl.Render()
}

func repositoriesTable(users []loc.UserSummary, limit int) string {
	tbl := newTable()
	tbl.AppendHeader(table.Row{"User", "Repository", "LOC", "Commits", "Last contribution"})
	rows := 0
	for _, user := range limitUsers(users, limit) {
		for _, repo := range user.Repositories {
			last := "-"
			if repo.LastContribution != nil {
				last = repo.LastContribution.Format(time.DateOnly)
			}
			tbl.AppendRow(table.Row{
				user.Username,
				repo.RepositoryFullName,
				humanize.Comma(int64(repo.LOC)),
				humanize.Comma(int64(repo.Commits)),
				last,
			})
			rows++
		}
	}
	if rows == 0 {
		return ""
	}
	return tbl.Render()
}

func degradationsTable(degradations []loc.Degradation) string {
	tbl := newTable()
	tbl.AppendHeader(table.Row{"Stage", "Target", "Status", "Attempts", "Reason"})
	for _, degradation := range degradations {
		target := degradation.Repository
		if target == "" && degradation.Page > 0 {
			target = fmt.Sprintf("page %d", degradation.Page)
		}
		tbl.AppendRow(table.Row{degradation.Stage, target, degradation.Status, degradation.Attempts, degradation.Reason})
	}
	return tbl.Render()
}

func repositoryCount(user loc.UserSummary) int {
	if user.RepositoryCount != nil {
		return *user.RepositoryCount
	}
	return len(user.Repositories)
}

func limitUsers(users []loc.UserSummary, limit int) []loc.UserSummary {
	if limit > 0 && len(users) > limit {
		return users[:limit]
	}
	return users
}
