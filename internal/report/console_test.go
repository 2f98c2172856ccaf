package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/popscrape/internal/records"
)

func sampleRecords(t *testing.T) []records.Record {
	t.Helper()
	mk := func(name string, pop int64, date string) records.Record {
		rec, err := records.NewRecord(name, pop, date)
		require.NoError(t, err)
		return rec
	}
	return []records.Record{
		mk("India", 1425775850, "14 Apr 2023"),
		mk("China", 1409670000, "17 Jan 2024"),
		mk("Denmark", 5961249, "1 Jan 2024"),
		mk("Denmark", 5932654, ""),
	}
}

func TestFormatConsole(t *testing.T) {
	t.Parallel()

	recs := sampleRecords(t)
	out := FormatConsole(recs, records.GroupDuplicates(recs))
	lines := strings.Split(out, "\n")

	require.Equal(t, "", lines[0])
	require.Equal(t, strings.Repeat("=", 80), lines[1])
	require.Equal(t, "COUNTRIES BY POPULATION (Descending Order)", lines[2])
	require.Contains(t, out, "Total entries: 4\n")
	require.Contains(t, out, "  1.   India                                      1,425,775,850  (14 Apr 2023)\n")
	require.Contains(t, out, "  3. * Denmark                                        5,961,249  (1 Jan 2024)\n")
	require.Contains(t, out, "  4. * Denmark                                        5,932,654  (N/A)\n")
	require.Contains(t, out, "COUNTRIES WITH MULTIPLE ENTRIES")
	require.Contains(t, out, "Found 1 countries with multiple occurrences:")
	require.Contains(t, out, "\nDenmark - 2 occurrences:\n")
	require.Contains(t, out, "  2. Population:       5,932,654  Date: N/A\n")
}

func TestFormatConsoleWithoutDuplicates(t *testing.T) {
	t.Parallel()

	recs := sampleRecords(t)[:2]
	out := FormatConsole(recs, nil)
	require.NotContains(t, out, "MULTIPLE ENTRIES")
	require.NotContains(t, out, "*")
	require.Contains(t, out, "Total entries: 2")
}

func TestFormatConsoleSortsDuplicateSection(t *testing.T) {
	t.Parallel()

	mk := func(name string) records.Record {
		rec, err := records.NewRecord(name, 10, "")
		require.NoError(t, err)
		return rec
	}
	recs := []records.Record{mk("Zambia"), mk("Austria"), mk("Zambia"), mk("Austria")}
	out := FormatConsole(recs, records.GroupDuplicates(recs))
	require.Less(t, strings.Index(out, "Austria - 2"), strings.Index(out, "Zambia - 2"))
}

func TestWriteConsole(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteConsole(&buf, sampleRecords(t), nil))
	require.Contains(t, buf.String(), "India")
}

func TestFormatSummary(t *testing.T) {
	t.Parallel()

	stats := records.ComputeStatistics(sampleRecords(t))
	require.Equal(t, "4 entries, total population 2,847,339,753, 1,200 rows skipped", FormatSummary(stats, 1200))
}
