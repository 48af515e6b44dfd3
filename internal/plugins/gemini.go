package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"autotune/internal/invoke"
	"autotune/internal/logging"
)

const strategySystemPrompt = `You are an optimization strategist. You rewrite artifacts (prompts, queries, templates) to make them faster, cheaper, or more reliable while preserving their observable behavior.

Respond with ONLY a JSON object:
{
  "optimized_artifact": "<the full rewritten artifact>",
  "explanation": "<one or two sentences on what changed and why>",
  "expected_improvements": {"<dimension>": "<expected effect>"}
}`

const evaluatorSystemPrompt = `You are an optimization judge. You compare a candidate artifact against the original and decide whether the candidate should be adopted.

Be conservative: a candidate that changes observable behavior is a failure regardless of how much it improves other dimensions.

Respond with ONLY a JSON object:
{
  "outcome": "success" or "failure",
  "success_rating": <0.0 to 1.0>,
  "risks": ["<risk>", ...],
  "recommendations": ["<recommendation>", ...]
}`

// GeminiStrategy returns a StrategyFunc that asks the LLM for an optimized
// rewrite of the target artifact.
func GeminiStrategy(client LLMClient) invoke.StrategyFunc {
	return func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
		prompt := buildStrategyPrompt(req)

		logging.APIDebug("strategy prompt for %s (%d bytes)", req.Target, len(prompt))
		response, err := client.CompleteWithSystem(ctx, strategySystemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("strategy completion failed: %w", err)
		}

		proposal, err := parseProposal(response)
		if err != nil {
			return nil, fmt.Errorf("strategy response for %s: %w", req.Target, err)
		}
		return proposal, nil
	}
}

// GeminiEvaluator returns an EvaluatorFunc that asks the LLM to judge a
// candidate against the original artifact.
func GeminiEvaluator(client LLMClient) invoke.EvaluatorFunc {
	return func(ctx context.Context, req invoke.EvaluatorRequest) (*invoke.Verdict, error) {
		prompt := buildEvaluatorPrompt(req)

		logging.APIDebug("evaluator prompt for %s (%d bytes)", req.Target, len(prompt))
		response, err := client.CompleteWithSystem(ctx, evaluatorSystemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("evaluator completion failed: %w", err)
		}

		verdict, err := parseVerdict(response)
		if err != nil {
			return nil, fmt.Errorf("evaluator response for %s: %w", req.Target, err)
		}
		return verdict, nil
	}
}

// buildStrategyPrompt constructs the user prompt for the strategy call.
func buildStrategyPrompt(req invoke.StrategyRequest) string {
	var sb strings.Builder

	sb.WriteString("## Target\n")
	sb.WriteString(req.Target)
	sb.WriteString("\n\n")

	sb.WriteString("## Original Artifact\n")
	sb.WriteString(req.OriginalArtifact)
	sb.WriteString("\n\n")

	if len(req.UsageData) > 0 {
		sb.WriteString("## Usage Data\n")
		keys := make([]string, 0, len(req.UsageData))
		for k := range req.UsageData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("- **%s**: %v\n", k, req.UsageData[k]))
		}
		sb.WriteString("\n")
	}

	if focus, ok := req.Options["focus"].(string); ok && focus != "" {
		sb.WriteString("## Optimization Focus\n")
		sb.WriteString(focus)
		sb.WriteString("\n")
	}

	return sb.String()
}

// buildEvaluatorPrompt constructs the user prompt for the evaluator call.
func buildEvaluatorPrompt(req invoke.EvaluatorRequest) string {
	var sb strings.Builder

	sb.WriteString("## Target\n")
	sb.WriteString(req.Target)
	sb.WriteString("\n\n")

	sb.WriteString("## Original Artifact\n")
	sb.WriteString(req.OriginalArtifact)
	sb.WriteString("\n\n")

	sb.WriteString("## Candidate Artifact\n")
	sb.WriteString(req.CandidateArtifact)
	sb.WriteString("\n\n")

	if len(req.Metrics) > 0 {
		sb.WriteString("## Measured Metrics\n")
		keys := make([]string, 0, len(req.Metrics))
		for k := range req.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("- **%s**: %.4f\n", k, req.Metrics[k]))
		}
	}

	return sb.String()
}

// parseProposal extracts a proposal from the LLM response.
func parseProposal(response string) (*invoke.Proposal, error) {
	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		jsonStr = extractJSONObject(response)
	}
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var proposal invoke.Proposal
	if err := json.Unmarshal([]byte(jsonStr), &proposal); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if strings.TrimSpace(proposal.OptimizedArtifact) == "" {
		return nil, fmt.Errorf("proposal has no optimized artifact")
	}
	return &proposal, nil
}

// parseVerdict extracts a verdict from the LLM response.
func parseVerdict(response string) (*invoke.Verdict, error) {
	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		jsonStr = extractJSONObject(response)
	}
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var verdict invoke.Verdict
	if err := json.Unmarshal([]byte(jsonStr), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	outcome := strings.ToLower(strings.TrimSpace(verdict.Outcome))
	if outcome != "success" && outcome != "failure" {
		return nil, fmt.Errorf("invalid outcome: %s", verdict.Outcome)
	}
	verdict.Outcome = outcome

	if verdict.SuccessRating < 0 || verdict.SuccessRating > 1 {
		return nil, fmt.Errorf("success rating %.2f out of range", verdict.SuccessRating)
	}
	return &verdict, nil
}

// extractJSONBlock extracts JSON from a ```json ... ``` code block.
func extractJSONBlock(s string) string {
	start := strings.Index(s, "```json")
	if start == -1 {
		start = strings.Index(s, "```")
		if start == -1 {
			return ""
		}
	}

	// Find the newline after the opening fence
	nl := strings.Index(s[start:], "\n")
	if nl == -1 {
		return ""
	}
	start += nl + 1

	end := strings.LastIndex(s, "```")
	if end == -1 || end <= start {
		return ""
	}

	return strings.TrimSpace(s[start:end])
}

// extractJSONObject extracts the first balanced JSON object from a string.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
