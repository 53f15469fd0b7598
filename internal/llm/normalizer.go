package llm

import (
	"github.com/tidwall/gjson"
)

// Delta is one provider-agnostic increment of assistant output.
type Delta struct {
	Content   string
	Reasoning string
}

func (d Delta) Empty() bool {
	return d.Content == "" && d.Reasoning == ""
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// NormalizeFrame extracts the first choice's delta from one provider frame.
// ok is false when the frame carries nothing renderable (usage-only frames,
// empty or non-string fields). An error object in the frame is fatal.
func NormalizeFrame(payload []byte) (d Delta, ok bool, err error) {
	if e := gjson.GetBytes(payload, "error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return Delta{}, false, &UpstreamError{Body: msg}
	}

	delta := gjson.GetBytes(payload, "choices.0.delta")
	if !delta.IsObject() {
		return Delta{}, false, nil
	}
	d = Delta{
		Content:   stringField(delta, "content"),
		Reasoning: stringField(delta, "reasoning_content"),
	}
	return d, !d.Empty(), nil
}

// usageFrom returns the usage block of a frame, if any.
func usageFrom(payload []byte) *Usage {
	u := gjson.GetBytes(payload, "usage")
	if !u.IsObject() {
		return nil
	}
	return &Usage{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
	}
}

func stringField(obj gjson.Result, key string) string {
	v := obj.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}
