package schemacheck

import "testing"

func TestValidateEstablishesBaselineOnFirstBatch(t *testing.T) {
	v := New()
	if v.HasBaseline() {
		t.Fatal("HasBaseline() = true before any Validate call")
	}

	mismatches, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":1}]`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("mismatches = %v, want none for the baseline-establishing batch", mismatches)
	}
	if !v.HasBaseline() {
		t.Fatal("HasBaseline() = false after first Validate call")
	}
}

func TestValidateDetectsMissingField(t *testing.T) {
	v := New()
	if _, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":1}]`)); err != nil {
		t.Fatalf("Validate (baseline): %v", err)
	}

	mismatches, err := v.Validate([]byte(`[{"user":"b","verb":"set_var"}]`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Kind != MismatchKindMissing || mismatches[0].Field != "timestamp" {
		t.Fatalf("mismatches = %+v, want one MISSING_FIELD for timestamp", mismatches)
	}
}

func TestValidateDetectsAddedField(t *testing.T) {
	v := New()
	if _, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":1}]`)); err != nil {
		t.Fatalf("Validate (baseline): %v", err)
	}

	mismatches, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":1,"extra":true}]`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Kind != MismatchKindAdded || mismatches[0].Field != "extra" {
		t.Fatalf("mismatches = %+v, want one ADDED_FIELD for extra", mismatches)
	}
}

func TestValidateDetectsTypeChange(t *testing.T) {
	v := New()
	if _, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":1}]`)); err != nil {
		t.Fatalf("Validate (baseline): %v", err)
	}

	mismatches, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":"1"}]`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Kind != MismatchKindTypeChange || mismatches[0].Field != "timestamp" {
		t.Fatalf("mismatches = %+v, want one TYPE_CHANGE for timestamp", mismatches)
	}
}

func TestValidateEmptyArrayNoOp(t *testing.T) {
	v := New()
	mismatches, err := v.Validate([]byte(`[]`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if mismatches != nil {
		t.Fatalf("mismatches = %v, want nil", mismatches)
	}
	if v.HasBaseline() {
		t.Fatal("HasBaseline() = true after an empty batch")
	}
}

func TestValidateDedupesAcrossElements(t *testing.T) {
	v := New()
	if _, err := v.Validate([]byte(`[{"user":"a","verb":"set_var","timestamp":1}]`)); err != nil {
		t.Fatalf("Validate (baseline): %v", err)
	}

	batch := `[{"user":"a","verb":"set_var"},{"user":"b","verb":"set_var"}]`
	mismatches, err := v.Validate([]byte(batch))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("mismatches = %+v, want a single deduped MISSING_FIELD", mismatches)
	}
}
