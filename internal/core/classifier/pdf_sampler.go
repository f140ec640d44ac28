package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PDFSampler samples PDF pages with ledongthuc/pdf.
type PDFSampler struct{}

var errNoPages = errors.New("document has no pages")

// Sample counts non-space characters and image XObjects on the first pages.
// The parser panics on some malformed inputs; those are returned as errors.
func (PDFSampler) Sample(raw []byte, pages int) (samples []PageSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			samples = nil
			err = fmt.Errorf("pdf parse panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	if total == 0 {
		return nil, errNoPages
	}
	if pages > total {
		pages = total
	}

	samples = make([]PageSample, 0, pages)
	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d text: %w", n, err)
		}
		samples = append(samples, PageSample{
			TextChars: countTextChars(text),
			Images:    countImages(page),
		})
	}
	return samples, nil
}

func countTextChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func countImages(page pdf.Page) int {
	xobjects := page.Resources().Key("XObject")
	if xobjects.IsNull() {
		return 0
	}
	n := 0
	for _, name := range xobjects.Keys() {
		if xobjects.Key(name).Key("Subtype").Name() == "Image" {
			n++
		}
	}
	return n
}
