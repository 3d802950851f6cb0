package allocation

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var statementHeader = []string{"date", "kind", "reference", "debit", "credit", "balance"}

// WriteStatementCSV renders a party statement as CSV. Amounts are formatted
// with the requested locale's digit grouping; an unknown tag falls back to
// English.
func WriteStatementCSV(w io.Writer, lines []StatementLine, locale string) error {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	printer := message.NewPrinter(tag)

	cw := csv.NewWriter(w)
	if err := cw.Write(statementHeader); err != nil {
		return err
	}
	for _, line := range lines {
		record := []string{
			line.Date.Format(time.DateOnly),
			string(line.Kind),
			line.Number,
			formatAmount(printer, line.Debit),
			formatAmount(printer, line.Credit),
			formatAmount(printer, line.Balance),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatAmount renders two-decimal amounts exactly: the locale groups the
// integer digits, the cents are appended from the decimal itself so large
// amounts never pass through float64.
func formatAmount(printer *message.Printer, amount decimal.Decimal) string {
	cents := amount.Round(2).Shift(2).IntPart()
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + printer.Sprintf("%d", cents/100) + fmt.Sprintf(".%02d", cents%100)
}
