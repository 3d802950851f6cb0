package reconcile

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/ledgerd/internal/shared"
)

// ParsedLine is one statement row before persistence.
type ParsedLine struct {
	Date        time.Time
	Description string
	Amount      decimal.Decimal
}

// ParseStatementCSV reads rows of `Date,Description,Amount`: ISO dates and
// signed decimal amounts. The header row is required. Re-imports are additive;
// deduplication is left to the operator.
func ParseStatementCSV(text string) ([]ParsedLine, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed csv: %v", shared.ErrValidation, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty statement", shared.ErrValidation)
	}
	header := records[0]
	if !strings.EqualFold(header[0], "date") ||
		!strings.EqualFold(header[1], "description") ||
		!strings.EqualFold(header[2], "amount") {
		return nil, fmt.Errorf("%w: expected header Date,Description,Amount", shared.ErrValidation)
	}

	lines := make([]ParsedLine, 0, len(records)-1)
	for i, record := range records[1:] {
		date, err := time.Parse(time.DateOnly, strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: invalid date %q", shared.ErrValidation, i+2, record[0])
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(record[2]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: invalid amount %q", shared.ErrValidation, i+2, record[2])
		}
		lines = append(lines, ParsedLine{
			Date:        date,
			Description: strings.TrimSpace(record[1]),
			Amount:      amount,
		})
	}
	return lines, nil
}
