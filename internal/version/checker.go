// Package version holds the build version and checks for newer releases.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Version is the lanebench release, set at build time with
// -ldflags "-X github.com/studiowebux/lanebench/internal/version.Version=..."
var Version = "0.1.0-dev"

const (
	releasesURL  = "https://api.github.com/repos/studiowebux/lanebench/releases/latest"
	checkTimeout = 5 * time.Second
)

type GitHubRelease struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

// Update describes the outcome of a release check
type Update struct {
	Available bool
	Latest    string
	URL       string
}

// Checker queries a GitHub-style "latest release" endpoint
type Checker struct {
	URL    string
	Client *http.Client
}

// NewChecker returns a checker for the lanebench release feed
func NewChecker() *Checker {
	return &Checker{
		URL:    releasesURL,
		Client: &http.Client{Timeout: checkTimeout},
	}
}

// CheckForUpdate checks if a release newer than currentVersion is available
func (c *Checker) CheckForUpdate(ctx context.Context, currentVersion string) (Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Update{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "lanebench/"+currentVersion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return Update{}, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Update{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Update{}, fmt.Errorf("failed to decode response: %w", err)
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	current := strings.TrimPrefix(currentVersion, "v")

	return Update{
		Available: latest != "" && isNewerVersion(latest, current),
		Latest:    latest,
		URL:       release.HTMLURL,
	}, nil
}

// isNewerVersion compares two semantic versions and returns true if latest > current
// Supports versions like "0.0.28", "1.2.3", "0.0.29-dev", etc.
func isNewerVersion(latest, current string) bool {
	latestParts := parseVersion(latest)
	currentParts := parseVersion(current)

	// Pad shorter version with zeros
	maxLen := len(latestParts)
	if len(currentParts) > maxLen {
		maxLen = len(currentParts)
	}

	for len(latestParts) < maxLen {
		latestParts = append(latestParts, 0)
	}
	for len(currentParts) < maxLen {
		currentParts = append(currentParts, 0)
	}

	// Compare each part
	for i := 0; i < maxLen; i++ {
		if latestParts[i] > currentParts[i] {
			return true
		}
		if latestParts[i] < currentParts[i] {
			return false
		}
	}

	return false
}

// parseVersion parses a version string into integer parts
// Handles pre-release versions by stripping everything after "-" or "+"
func parseVersion(version string) []int {
	// Strip pre-release and build metadata (everything after - or +)
	if idx := strings.IndexAny(version, "-+"); idx != -1 {
		version = version[:idx]
	}

	parts := strings.Split(version, ".")
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			// If we can't parse a number, skip it
			continue
		}
		result = append(result, num)
	}

	return result
}
