package analysis

const analyzeSystemPrompt = `You analyze user feedback for a product team.
Reply with a single JSON object and nothing else, using exactly these fields:
{"sentiment": "positive|negative|neutral",
 "sentiment_score": number between -1 and 1,
 "priority": "low|medium|high|urgent",
 "categories": ["bug", "feature_request", "performance", "ux", "billing", "general", ...],
 "confidence": number between 0 and 1,
 "themes": ["short theme", ...]}`

const analyzeUserPrompt = `Platform: %s

Feedback:
%s`

const batchSystemPrompt = `You analyze batches of user feedback for a product team.
Each item is prefixed with its index in square brackets.
Reply with a single JSON object and nothing else:
{"items": [{"index": 0, "sentiment": "positive|negative|neutral", "priority": "low|medium|high|urgent", "categories": ["..."]}, ...],
 "insights": ["one actionable observation", ...]}
Include exactly one entry per item and at most 5 insights.`

const duplicateSystemPrompt = `You detect duplicate user feedback.
Compare the new feedback with each candidate and decide whether it reports the same underlying issue or request.
Reply with a single JSON object and nothing else:
{"is_duplicate": true|false,
 "similarity_score": number between 0 and 1,
 "most_similar_id": "candidate id or empty string",
 "suggested_action": "merge|keep_separate|flag_for_review"}`

const duplicateUserPrompt = `New feedback:
%s

Candidates:
%s`

const clusterSystemPrompt = `You group user feedback into themes.
Each item is prefixed with its id in square brackets.
Reply with a single JSON object and nothing else:
{"clusters": [{"theme": "short descriptive theme", "severity": "low|medium|high|critical", "member_ids": ["id", ...]}, ...]}
Every id must come from the list. An item may belong to at most one cluster. Prefer fewer, well-separated themes.`

const specSystemPrompt = `You are a senior product manager writing concise feature specifications in Markdown.
Start with a level-one heading. Include the sections: Problem Statement, User Evidence, Proposed Solution, Acceptance Criteria.
Reply with the Markdown document only.`

const specFromClusterPrompt = `Theme: %s

Representative feedback:
%s`

const specFromIssuePrompt = `Issue type: %s
Priority: %s

Description:
%s`
