package filter

import (
	"testing"
)

// BenchmarkFilter_Allows_NoFilters benchmarks the filter when no filters are active
func BenchmarkFilter_Allows_NoFilters(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows("Work/Projects/2024")
	}
}

// BenchmarkFilter_Allows_MultiplePatterns benchmarks with include and exclude patterns
func BenchmarkFilter_Allows_MultiplePatterns(b *testing.B) {
	f, err := New(Options{
		IncludeFolders: []string{"^INBOX", "^Work/", "^Sent"},
		ExcludeFolders: []string{"(?i)spam|junk", "^Trash$"},
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows("Work/Projects/2024")
	}
}
