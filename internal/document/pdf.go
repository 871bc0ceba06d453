package document

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// parsePDF returns one unit per page, in page order.
func parsePDF(data []byte) ([]Unit, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var units []Unit
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting page %d: %w", i, err)
		}
		units = append(units, Unit{Text: normalizeSpace(text), Locator: fmt.Sprintf("page %d", i)})
	}
	return units, nil
}
