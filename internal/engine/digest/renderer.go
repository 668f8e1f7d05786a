package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

// Render compiles a batch of events into one digest message: grouped by
// repository, each group's events in ascending timestamp order.
func Render(cfg *models.DigestConfig, events []*models.CanonicalEvent, now time.Time) string {
	byRepo := make(map[string][]*models.CanonicalEvent)
	for _, e := range events {
		byRepo[e.Repository] = append(byRepo[e.Repository], e)
	}

	repos := make([]string, 0, len(byRepo))
	for repo := range byRepo {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	var b strings.Builder
	label := cfg.Name
	if label == "" {
		label = "GitHub digest"
	}
	fmt.Fprintf(&b, "*%s — %s* (%d %s)\n", label, now.Format("Monday, Jan 2"), len(events), plural(len(events), "update", "updates"))

	for _, repo := range repos {
		group := byRepo[repo]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].EventAt < group[j].EventAt
		})

		fmt.Fprintf(&b, "\n*%s*\n", repo)
		for _, e := range group {
			b.WriteString("• " + renderLine(e) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderLine(e *models.CanonicalEvent) string {
	subject := e.Title
	if subject == "" {
		subject = e.Action
	}
	line := fmt.Sprintf("%s %s: %s", e.Actor, strings.ReplaceAll(e.Action, "_", " "), subject)
	if e.URL != "" {
		line = fmt.Sprintf("%s (<%s|view>)", line, e.URL)
	}
	return line
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
