// Package records holds the country population record model together with the
// normalization and aggregation rules applied to rows scraped from the source table.
package records
