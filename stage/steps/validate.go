package steps

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/record"
)

// WellFormedValidator checks that a record is a well-formed XML document
// with exactly one root element. Content passes through unchanged.
type WellFormedValidator struct{}

func (WellFormedValidator) Process(ctx context.Context, in record.Success) (Output, error) {
	dec := xml.NewDecoder(bytes.NewReader(in.Content))

	var (
		depth    int
		roots    int
		warnings []string
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Output{}, errors.Wrap(err, "not well-formed")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return Output{}, errors.Newf("not well-formed: second root element <%s>", t.Name.Local)
				}
				if t.Name.Space == "" {
					warnings = append(warnings, fmt.Sprintf("root element <%s> has no namespace", t.Name.Local))
				}
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return Output{}, errors.New("not well-formed: text outside the root element")
			}
		}
	}
	if roots == 0 {
		return Output{}, errors.New("not well-formed: no root element")
	}

	return Output{Warnings: warnings}, nil
}
