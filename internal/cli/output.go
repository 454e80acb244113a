// Package cli provides output helpers for the VisionQuery command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

var (
	heading = color.New(color.FgCyan, color.Bold)
	rank    = color.New(color.FgGreen, color.Bold)
	dim     = color.New(color.Faint)
	warn    = color.New(color.FgYellow)
)

// WriteSearchResults writes a search response to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	heading.Fprintf(w, "\nFound %d of %d requested results for %q in %dms\n",
		response.Total, response.TopK, response.Query, response.QueryTime)
	if response.Partial {
		warn.Fprintf(w, "Fewer matches than requested (%d candidates examined)\n", response.Examined)
	}
	fmt.Fprintln(w)
	for _, r := range response.Results {
		rank.Fprintf(w, "#%d", r.Rank)
		fmt.Fprintf(w, "  score %.4f  image %d", r.Score, r.ImageID)
		if r.Image != nil {
			fmt.Fprintf(w, "  %s", utils.Truncate(r.Image.Filename, 60))
			if r.Image.Classification != "" {
				dim.Fprintf(w, "  [%s %.0f%%]", r.Image.Classification, r.Image.Confidence*100)
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteStatus writes a status document (as returned by GET /api/v1/status) to w.
func WriteStatus(w io.Writer, status map[string]interface{}, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	writeSection(w, "", status)
	return nil
}

func writeSection(w io.Writer, prefix string, section map[string]interface{}) {
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var nested []string
	for _, k := range keys {
		if _, ok := section[k].(map[string]interface{}); ok {
			nested = append(nested, k)
			continue
		}
		fmt.Fprintf(w, "%-24s %v\n", prefix+k+":", formatValue(section[k]))
	}
	for _, k := range nested {
		fmt.Fprintln(w)
		heading.Fprintf(w, "# %s\n", k)
		writeSection(w, "", section[k].(map[string]interface{}))
	}
}

// formatValue prints whole JSON numbers without a decimal point.
func formatValue(v interface{}) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
