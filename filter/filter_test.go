package filter

import (
	"reflect"
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeFolders: []string{"^INBOX$", "^Work/"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("INBOX") {
		t.Error("Expected INBOX to be allowed")
	}
	if !f.Allows("Work/Projects") {
		t.Error("Expected Work/Projects to be allowed")
	}
	if f.Allows("Spam") {
		t.Error("Expected Spam to be filtered out")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeFolders: []string{"(?i)spam|junk", "^Trash$"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("INBOX") {
		t.Error("Expected INBOX to be allowed")
	}
	for _, folder := range []string{"Spam", "Junk E-Mail", "Trash"} {
		if f.Allows(folder) {
			t.Errorf("Expected %s to be filtered out", folder)
		}
	}
}

func TestFilter_ExcludeWinsOverInclude(t *testing.T) {
	f, err := New(Options{
		IncludeFolders: []string{"^Work"},
		ExcludeFolders: []string{"Archive$"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("Work/Current") {
		t.Error("Expected Work/Current to be allowed")
	}
	if f.Allows("Work/Archive") {
		t.Error("Expected Work/Archive to be filtered out")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Allows("Anything") {
		t.Error("Expected folder to be allowed when no filters are active")
	}

	var nilFilter *Filter
	if !nilFilter.Allows("INBOX") {
		t.Error("Expected nil filter to allow everything")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{ExcludeFolders: []string{"("}}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestFilter_Select(t *testing.T) {
	f, err := New(Options{ExcludeFolders: []string{"^Trash$"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := f.Select([]string{"INBOX", "Trash", "Sent"})
	want := []string{"INBOX", "Sent"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Select() = %v, want %v", got, want)
	}
}
