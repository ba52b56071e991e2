package usagelog

import (
	"testing"
	"time"
)

func TestRowMatchesColumns(t *testing.T) {
	prompt := 10
	cost := 0.5
	r := &UsageRecord{
		ID:           "id",
		CreatedAt:    time.Unix(0, 0),
		PromptTokens: &prompt,
		Cost:         &cost,
		ErrorDetails: &ErrorDetails{StatusCode: 500, StatusText: "upstream_error", ResponseText: "boom"},
	}

	vals := row(r)
	if len(vals) != len(usageColumns) {
		t.Fatalf("row has %d values for %d columns", len(vals), len(usageColumns))
	}

	idx := func(col string) int {
		for i, c := range usageColumns {
			if c == col {
				return i
			}
		}
		t.Fatalf("column %q missing", col)
		return -1
	}

	if p, ok := vals[idx("prompt_tokens")].(*int32); !ok || *p != 10 {
		t.Fatalf("prompt_tokens = %#v", vals[idx("prompt_tokens")])
	}
	if p, ok := vals[idx("completion_tokens")].(*int32); !ok || p != nil {
		t.Fatalf("completion_tokens = %#v, want typed nil", vals[idx("completion_tokens")])
	}
	if s := vals[idx("error_text")].(string); s != "upstream_error: boom" {
		t.Fatalf("error_text = %q", s)
	}
}
