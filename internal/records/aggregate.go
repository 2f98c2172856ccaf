package records

import (
	"slices"
	"sort"
)

// Bounds holds optional inclusive population limits. A nil bound is unbounded.
type Bounds struct {
	Min *int64
	Max *int64
}

// AtLeast returns Bounds with only a lower limit.
func AtLeast(minimum int64) Bounds {
	return Bounds{Min: &minimum}
}

// Between returns Bounds with both limits set.
func Between(minimum, maximum int64) Bounds {
	return Bounds{Min: &minimum, Max: &maximum}
}

// Contains reports whether population falls inside the bounds.
func (b Bounds) Contains(population int64) bool {
	if b.Min != nil && population < *b.Min {
		return false
	}
	if b.Max != nil && population > *b.Max {
		return false
	}
	return true
}

// Build normalizes raw rows into records. Rows that fail validation are returned
// as RowErrors and do not stop the remaining rows from being processed.
func Build(rows []RawRow) ([]Record, []RowError) {
	out := make([]Record, 0, len(rows))
	var skipped []RowError
	for i, row := range rows {
		rec, err := buildOne(row)
		if err != nil {
			skipped = append(skipped, RowError{Index: i, Row: row, Reason: err.Error(), Err: err})
			continue
		}
		out = append(out, rec)
	}
	return out, skipped
}

func buildOne(row RawRow) (Record, error) {
	population, err := ParsePopulation(row.Population)
	if err != nil {
		return Record{}, err
	}
	return NewRecord(CleanName(row.Name), population, CleanDate(row.Date))
}

// SortDescending returns a copy of records ordered by population, largest first.
// Equal populations keep their input order.
func SortDescending(records []Record) []Record {
	out := slices.Clone(records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Population > out[j].Population
	})
	return out
}

// GroupDuplicates maps each name that appears at least twice to every record
// carrying it, in input order.
func GroupDuplicates(records []Record) map[string][]Record {
	byName := make(map[string][]Record)
	for _, rec := range records {
		byName[rec.Name] = append(byName[rec.Name], rec)
	}
	for name, group := range byName {
		if len(group) < 2 {
			delete(byName, name)
		}
	}
	return byName
}

// FilterByThreshold keeps the records whose population lies within bounds.
func FilterByThreshold(records []Record, bounds Bounds) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if bounds.Contains(rec.Population) {
			out = append(out, rec)
		}
	}
	return out
}

// ComputeStatistics summarizes records. An empty input yields the zero value.
func ComputeStatistics(records []Record) Statistics {
	if len(records) == 0 {
		return Statistics{}
	}
	stats := Statistics{Count: len(records)}
	largest, smallest := records[0], records[0]
	for _, rec := range records {
		stats.TotalPopulation += rec.Population
		if rec.Population > largest.Population {
			largest = rec
		}
		if rec.Population < smallest.Population {
			smallest = rec
		}
	}
	stats.AveragePopulation = float64(stats.TotalPopulation) / float64(stats.Count)
	stats.Largest = &largest
	stats.Smallest = &smallest
	return stats
}
