package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedResponse is returned when a completion contains no usable JSON.
var ErrMalformedResponse = errors.New("malformed sub-agent response")

// extractJSON extracts the first complete JSON object or array from a string
// that may contain extra text. This handles cases where LLMs add
// explanations or code fences around the JSON despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			switch char {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch char {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	return text
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		f.v, f.ok = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			f.v, f.ok = n, true
		}
	}
	// Anything else is treated as absent.
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.ok {
		return nil
	}
	v := f.v
	return &v
}

// flexStrings accepts an array of strings or a single comma separated string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var list []any
	if err := json.Unmarshal(b, &list); err == nil {
		for _, item := range list {
			if s, ok := item.(string); ok {
				*f = append(*f, s)
			}
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*f = append(*f, part)
			}
		}
	}
	return nil
}

type rawCandidate struct {
	Content    string      `json:"content"`
	Text       string      `json:"text"`
	Summary    string      `json:"summary"`
	Category   string      `json:"category"`
	Importance flexFloat   `json:"importance"`
	Confidence flexFloat   `json:"confidence"`
	Tags       flexStrings `json:"tags"`
	RelatesTo  string      `json:"relates_to"`
	RelatesTo2 string      `json:"relatesTo"`
}

func (r rawCandidate) candidate() Candidate {
	c := Candidate{
		Content:    strings.TrimSpace(r.Content),
		Summary:    strings.TrimSpace(r.Summary),
		Category:   strings.TrimSpace(r.Category),
		Importance: r.Importance.ptr(),
		Confidence: r.Confidence.ptr(),
		Tags:       []string(r.Tags),
		RelatesTo:  strings.TrimSpace(r.RelatesTo),
	}
	if c.Content == "" {
		c.Content = strings.TrimSpace(r.Text)
	}
	if c.RelatesTo == "" {
		c.RelatesTo = strings.TrimSpace(r.RelatesTo2)
	}
	return c
}

// ParseCandidates parses a sub-agent completion into candidates. It accepts
// {"memories":[...]}, a bare array, or a single memory object. Entries with
// no content are dropped. Only unparseable JSON is an error; nothing here
// validates categories or ranges.
func ParseCandidates(text string) ([]Candidate, error) {
	raw := strings.TrimSpace(extractJSON(text))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}

	var items []rawCandidate
	switch raw[0] {
	case '[':
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	case '{':
		var wrapper struct {
			Memories *[]rawCandidate `json:"memories"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if wrapper.Memories != nil {
			items = *wrapper.Memories
			break
		}
		var single rawCandidate
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		items = []rawCandidate{single}
	default:
		return nil, fmt.Errorf("%w: no JSON found", ErrMalformedResponse)
	}

	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		c := item.candidate()
		if c.Content == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
