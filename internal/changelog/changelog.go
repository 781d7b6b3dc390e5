// Package changelog provides parsing and filtering of changelog entries.
// The bundled changelog is embedded at build time; published GitHub
// releases can be fetched as a fresher source.
package changelog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

//go:embed CHANGELOG.md
var Content string

// Entry represents a single version's changelog entry
type Entry struct {
	Version string
	Date    string
	Changes []string
}

// versionRegex matches version headers like "## v0.0.12 (2026-01-08)" or "## v0.0.12"
var versionRegex = regexp.MustCompile(`^##\s+v?(\d+\.\d+\.\d+)(?:\s+\(([^)]+)\))?`)

// Parse extracts changelog entries from markdown content
func Parse(content string) []Entry {
	var entries []Entry
	var current *Entry

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)

		// Check for version header
		if matches := versionRegex.FindStringSubmatch(line); matches != nil {
			// Save previous entry
			if current != nil {
				entries = append(entries, *current)
			}
			current = &Entry{
				Version: matches[1],
				Date:    matches[2],
				Changes: []string{},
			}
			continue
		}

		// Check for bullet point (change item)
		if current != nil && strings.HasPrefix(line, "- ") {
			change := strings.TrimPrefix(line, "- ")
			current.Changes = append(current.Changes, change)
		}
	}

	// Don't forget the last entry
	if current != nil {
		entries = append(entries, *current)
	}

	return entries
}

// GetChangesSince returns all entries newer than lastSeen version.
// Entries are returned in reverse chronological order (newest first).
func GetChangesSince(lastSeen string, entries []Entry) []Entry {
	if lastSeen == "" {
		return entries
	}

	var result []Entry
	for _, entry := range entries {
		if CompareVersions(entry.Version, lastSeen) > 0 {
			result = append(result, entry)
		}
	}
	return result
}

// CompareVersions compares two semantic versions.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareVersions(a, b string) int {
	aParts := parseVersion(a)
	bParts := parseVersion(b)

	for i := 0; i < 3; i++ {
		if aParts[i] < bParts[i] {
			return -1
		}
		if aParts[i] > bParts[i] {
			return 1
		}
	}
	return 0
}

// parseVersion extracts [major, minor, patch] from a version string
func parseVersion(v string) [3]int {
	// Strip leading 'v' if present
	v = strings.TrimPrefix(v, "v")

	parts := strings.Split(v, ".")
	var result [3]int
	for i := 0; i < 3 && i < len(parts); i++ {
		result[i], _ = strconv.Atoi(parts[i])
	}
	return result
}

// githubRelease is the subset of the GitHub release API response we read
type githubRelease struct {
	TagName     string `json:"tag_name"`
	PublishedAt string `json:"published_at"`
	Body        string `json:"body"`
}

// releasesURL is a package var so tests can point it at a stub server
var releasesURL = "https://api.github.com/repos/zhubert/shepherd/releases"

// FetchReleases pulls published releases from GitHub and converts them to
// changelog entries, newest first.
func FetchReleases(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releasesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "shepherd")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github releases: unexpected status %s", resp.Status)
	}

	var releases []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("github releases: %w", err)
	}

	entries := make([]Entry, 0, len(releases))
	for _, r := range releases {
		entries = append(entries, Entry{
			Version: strings.TrimPrefix(r.TagName, "v"),
			Date:    parseDate(r.PublishedAt),
			Changes: parseBody(r.Body),
		})
	}
	return entries, nil
}

// parseDate reduces an ISO 8601 timestamp to its date part
func parseDate(timestamp string) string {
	if len(timestamp) > 10 {
		return timestamp[:10]
	}
	return timestamp
}

// parseBody extracts bullet-point change lines from a release body
func parseBody(body string) []string {
	var changes []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		var change string
		switch {
		case strings.HasPrefix(line, "- "):
			change = strings.TrimPrefix(line, "- ")
		case strings.HasPrefix(line, "* "):
			change = strings.TrimPrefix(line, "* ")
		default:
			continue
		}
		change = strings.TrimSpace(stripCommitSHA(change))
		if change != "" {
			changes = append(changes, change)
		}
	}
	return changes
}

// stripCommitSHA removes a leading "<hash> " prefix from a change line so
// generated release notes read like hand-written ones.
func stripCommitSHA(s string) string {
	for _, n := range []int{40, 7} {
		if len(s) > n && s[n] == ' ' && isHexString(s[:n]) {
			return strings.TrimSpace(s[n+1:])
		}
	}
	return s
}

// isHexString reports whether s contains only hex digits
func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
