package models

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	raw := json.RawMessage(`{"b": 2, "a": {"y": true, "x": null}, "c": [1, "s", 2.5]}`)
	got, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"x":null,"y":true},"b":2,"c":[1,"s",2.5]}`
	if string(got) != want {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeJSONRejectsInvalid(t *testing.T) {
	if _, err := CanonicalizeJSON(json.RawMessage(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
}

func TestOperationHashStableAcrossKeyOrder(t *testing.T) {
	a := OperationHash("c-1", OperationDescriptor{
		Name:   "get_current_weather",
		Params: json.RawMessage(`{"location":"Paris","units":"metric"}`),
	})
	b := OperationHash("c-1", OperationDescriptor{
		Name:   "get_current_weather",
		Params: json.RawMessage(`{"units":"metric","location":"Paris"}`),
	})
	if a != b {
		t.Fatalf("hash should not depend on key order: %s != %s", a, b)
	}
	c := OperationHash("c-2", OperationDescriptor{
		Name:   "get_current_weather",
		Params: json.RawMessage(`{"location":"Paris","units":"metric"}`),
	})
	if a == c {
		t.Fatal("hash should differ across contracts")
	}
}

func TestOperationHashEmptyParams(t *testing.T) {
	a := OperationHash("c-1", OperationDescriptor{Name: "list_tools"})
	b := OperationHash("c-1", OperationDescriptor{Name: "list_tools"})
	if a != b {
		t.Fatal("empty-params hash should be stable")
	}
}

func TestOperationHashContentDistinct(t *testing.T) {
	bare := OperationHash("c-1", OperationDescriptor{Name: "get_forecast"})
	withContent := OperationHash("c-1", OperationDescriptor{
		Name:    "get_forecast",
		Content: json.RawMessage(`{"temp_c":18}`),
	})
	if bare == withContent {
		t.Fatal("content must participate in the hash")
	}
	other := OperationHash("c-1", OperationDescriptor{
		Name:    "get_forecast",
		Content: json.RawMessage(`{"temp_c":18,"address":"12 Rue X"}`),
	})
	if withContent == other {
		t.Fatal("different content must hash differently")
	}
}

func TestNormalizeSet(t *testing.T) {
	got := NormalizeSet(
		[]string{" Read_Only", "no_pii", ""},
		[]string{"NO_PII", "aggregated_only"},
	)
	want := []string{"aggregated_only", "no_pii", "read_only"}
	if len(got) != len(want) {
		t.Fatalf("unexpected set: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected set: %v", got)
		}
	}
}

func TestSensitivityRankOrdering(t *testing.T) {
	if !(SensitivityRank(SensitivityPublic) < SensitivityRank(SensitivityRestricted) &&
		SensitivityRank(SensitivityRestricted) < SensitivityRank(SensitivityConfidential)) {
		t.Fatal("sensitivity ordering broken")
	}
	if SensitivityRank("weird") <= SensitivityRank(SensitivityConfidential) {
		t.Fatal("unknown sensitivity must rank above confidential")
	}
}
