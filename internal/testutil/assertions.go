package testutil

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/heapstream/internal/heap"
	"github.com/heapstream/pkg/model"
)

// AssertJSONEqual asserts that two JSON strings are semantically equal.
func AssertJSONEqual(t *testing.T, expected, actual string) {
	t.Helper()

	var expectedJSON, actualJSON interface{}

	if err := json.Unmarshal([]byte(expected), &expectedJSON); err != nil {
		t.Fatalf("failed to parse expected JSON: %v", err)
	}

	if err := json.Unmarshal([]byte(actual), &actualJSON); err != nil {
		t.Fatalf("failed to parse actual JSON: %v", err)
	}

	if !reflect.DeepEqual(expectedJSON, actualJSON) {
		expectedPretty, _ := json.MarshalIndent(expectedJSON, "", "  ")
		actualPretty, _ := json.MarshalIndent(actualJSON, "", "  ")
		t.Errorf("JSON not equal:\nExpected:\n%s\n\nActual:\n%s", expectedPretty, actualPretty)
	}
}

// AssertContains asserts that a string contains a substring.
func AssertContains(t *testing.T, str, substr string) {
	t.Helper()
	if !strings.Contains(str, substr) {
		t.Errorf("string %q does not contain %q", str, substr)
	}
}

// AssertNoWildRefs fails the test for every wild reference in report.
func AssertNoWildRefs(t *testing.T, report heap.ScanReport) {
	t.Helper()
	for _, w := range report.Wild {
		t.Errorf("wild reference %#x in word %d of %s", w.Value, w.Word, w.Object)
	}
}

// AssertVerified fails the test for every problem in report.
func AssertVerified(t *testing.T, report model.VerifyReport) {
	t.Helper()
	for _, p := range report.Problems {
		t.Errorf("verify: %s", p)
	}
	if report.RootsChecked == 0 {
		t.Error("verify: no roots checked")
	}
}
