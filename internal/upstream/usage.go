package upstream

import "encoding/json"

// Usage is the consumption the upstream reported for one call.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// ParseUsage reads the OpenAI-style usage block. It returns false when the
// body has none or the counts are unusable; total_tokens falls back to
// prompt plus completion when absent.
func ParseUsage(body []byte) (Usage, bool) {
	var doc struct {
		Usage *struct {
			PromptTokens     *int64 `json:"prompt_tokens"`
			CompletionTokens *int64 `json:"completion_tokens"`
			TotalTokens      *int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Usage == nil {
		return Usage{}, false
	}

	var u Usage
	if doc.Usage.PromptTokens != nil {
		u.PromptTokens = *doc.Usage.PromptTokens
	}
	if doc.Usage.CompletionTokens != nil {
		u.CompletionTokens = *doc.Usage.CompletionTokens
	}
	switch {
	case doc.Usage.TotalTokens != nil:
		u.TotalTokens = *doc.Usage.TotalTokens
	case doc.Usage.PromptTokens != nil || doc.Usage.CompletionTokens != nil:
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	default:
		return Usage{}, false
	}
	if u.TotalTokens < 0 || u.PromptTokens < 0 || u.CompletionTokens < 0 {
		return Usage{}, false
	}
	return u, true
}
