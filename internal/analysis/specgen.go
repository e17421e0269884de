package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

const (
	specMaxEvidence   = 20
	specEvidenceBytes = 300
	specMaxTokens     = 2000
	specTemperature   = 0.4
)

// SpecGenerator drafts Markdown feature specifications from clusters or issues.
type SpecGenerator struct {
	gw     Requester
	logger *slog.Logger
}

func NewSpecGenerator(gw Requester) *SpecGenerator {
	return &SpecGenerator{gw: gw, logger: slog.Default()}
}

// FromCluster drafts a specification for a cluster theme. It returns "", nil when
// AI is not configured.
func (g *SpecGenerator) FromCluster(ctx context.Context, callerID, theme string, feedback []string) (string, error) {
	if !g.gw.Configured() {
		return "", nil
	}
	evidence := boundEvidence(feedback)

	var sb strings.Builder
	for _, f := range evidence {
		fmt.Fprintf(&sb, "- %s\n", f)
	}
	return g.generate(ctx, callerID,
		fmt.Sprintf(specFromClusterPrompt, theme, sb.String()),
		func() string { return clusterTemplate(theme, evidence) })
}

// FromIssue drafts a specification for a single reported issue.
func (g *SpecGenerator) FromIssue(ctx context.Context, callerID, issueType, description, priority string) (string, error) {
	if !g.gw.Configured() {
		return "", nil
	}
	if priority == "" {
		priority = models.PriorityMedium
	}
	return g.generate(ctx, callerID,
		fmt.Sprintf(specFromIssuePrompt, issueType, priority, description),
		func() string { return issueTemplate(issueType, description, priority) })
}

func (g *SpecGenerator) generate(ctx context.Context, callerID, prompt string, template func() string) (string, error) {
	reply, err := g.gw.MakeRequest(ctx, []models.Message{
		{Role: models.RoleSystem, Content: specSystemPrompt},
		{Role: models.RoleUser, Content: prompt},
	}, ai.RequestOptions{
		CallerID:     callerID,
		Temperature:  specTemperature,
		MaxTokens:    specMaxTokens,
		CacheEnabled: true,
	})
	if err != nil {
		if errors.Is(err, ai.ErrMalformedResponse) {
			g.logger.Warn("spec reply unusable, using template", "caller_id", callerID, "error", err)
			return template(), nil
		}
		return "", err
	}

	doc := stripFences(reply)
	if !hasHeading(doc) {
		g.logger.Warn("spec reply is not a markdown document, using template", "caller_id", callerID)
		return template(), nil
	}
	return doc, nil
}

func hasHeading(doc string) bool {
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			return true
		}
	}
	return false
}

func boundEvidence(feedback []string) []string {
	out := make([]string, 0, min(len(feedback), specMaxEvidence))
	for _, f := range feedback {
		if len(out) == specMaxEvidence {
			break
		}
		f = strings.Join(strings.Fields(f), " ")
		if f == "" {
			continue
		}
		out = append(out, truncateString(f, specEvidenceBytes))
	}
	return out
}

func clusterTemplate(theme string, evidence []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Feature Specification: %s\n\n", theme)
	sb.WriteString("## Problem Statement\n\n")
	fmt.Fprintf(&sb, "Users have reported feedback related to \"%s\" (%d items).\n\n", theme, len(evidence))
	sb.WriteString("## User Evidence\n\n")
	if len(evidence) == 0 {
		sb.WriteString("- No feedback text available.\n")
	}
	for _, e := range evidence {
		fmt.Fprintf(&sb, "- \"%s\"\n", e)
	}
	sb.WriteString("\n## Proposed Solution\n\n")
	sb.WriteString("To be defined by the product team after reviewing the evidence above.\n\n")
	sb.WriteString("## Acceptance Criteria\n\n")
	sb.WriteString("- [ ] The reported behaviour no longer reproduces.\n")
	sb.WriteString("- [ ] Affected users are notified of the change.\n")
	return sb.String()
}

func issueTemplate(issueType, description, priority string) string {
	var sb strings.Builder
	title := issueType
	if title == "" {
		title = "Issue"
	}
	fmt.Fprintf(&sb, "# Specification: %s\n\n", title)
	fmt.Fprintf(&sb, "**Priority:** %s\n\n", priority)
	sb.WriteString("## Problem Statement\n\n")
	fmt.Fprintf(&sb, "%s\n\n", strings.TrimSpace(description))
	sb.WriteString("## Proposed Solution\n\n")
	sb.WriteString("To be defined by the product team.\n\n")
	sb.WriteString("## Acceptance Criteria\n\n")
	sb.WriteString("- [ ] The described problem is resolved.\n")
	sb.WriteString("- [ ] A regression test covers the scenario.\n")
	return sb.String()
}
