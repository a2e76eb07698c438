package registrycore

import "testing"

func TestSearchCriteriaEquality(t *testing.T) {
	data := Payload{"name": "Ann", "address": map[string]any{"city": "Kampala"}}
	c := SearchCriteria{"name": "Ann", "address.city": "Kampala"}
	if !c.Matches(data) {
		t.Fatal("expected criteria to match")
	}
	if SearchCriteria{"name": "Bob"}.Matches(data) {
		t.Fatal("expected mismatch on name")
	}
}

func TestSearchCriteriaOperators(t *testing.T) {
	data := Payload{"age": 30}
	cases := []struct {
		name    string
		op      map[string]any
		matches bool
	}{
		{"gt-true", map[string]any{OpGT: 29}, true},
		{"gt-false", map[string]any{OpGT: 30}, false},
		{"gte-true", map[string]any{OpGTE: 30}, true},
		{"lt-true", map[string]any{OpLT: 31}, true},
		{"lte-false", map[string]any{OpLTE: 29}, false},
	}
	for _, tc := range cases {
		c := SearchCriteria{"age": tc.op}
		if got := c.Matches(data); got != tc.matches {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.matches)
		}
	}
}

func TestSearchCriteriaRegex(t *testing.T) {
	data := Payload{"name": "Annette"}
	if !(SearchCriteria{"name": map[string]any{OpRegex: "^Ann"}}).Matches(data) {
		t.Fatal("expected prefix regex to match")
	}
	if (SearchCriteria{"name": map[string]any{OpRegex: "^Bob"}}).Matches(data) {
		t.Fatal("expected regex mismatch")
	}
}

func TestSearchCriteriaMissingField(t *testing.T) {
	data := Payload{"name": "Ann"}
	if (SearchCriteria{"age": map[string]any{OpGT: 10}}).Matches(data) {
		t.Fatal("expected no match when field is absent")
	}
}
