package analysis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

var ErrUnreadableDocument = errors.New("unreadable document")

// ExtractPDF reads the text layer of a lab report PDF and runs it through
// ExtractText. Scanned reports without a text layer yield ErrNoMeasurements.
func ExtractPDF(data []byte) ([]Measurement, error) {
	text, err := pdfText(data)
	if err != nil {
		return nil, err
	}
	ms := ExtractText(text)
	if len(ms) == 0 {
		return nil, ErrNoMeasurements
	}
	return ms, nil
}

func pdfText(data []byte) (text string, err error) {
	// The reader panics on some malformed object streams.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: pdf: %v", ErrUnreadableDocument, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: pdf reader: %v", ErrUnreadableDocument, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: pdf plaintext: %v", ErrUnreadableDocument, err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: pdf read: %v", ErrUnreadableDocument, err)
	}
	return strings.Join(strings.Fields(string(b)), " "), nil
}
