package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metis/record"
)

func TestWellFormedValidator(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantErr  string
		warnings int
	}{
		{name: "namespaced record", content: `<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"><rdf:Description/></rdf:RDF>`},
		{name: "with prolog", content: `<?xml version="1.0"?>` + "\n" + `<r xmlns="urn:x"><a>1</a></r>` + "\n"},
		{name: "no namespace warns", content: `<record><title>Mona Lisa</title></record>`, warnings: 1},
		{name: "unclosed element", content: `<record><title></record>`, wantErr: "not well-formed"},
		{name: "two roots", content: `<a/><b/>`, wantErr: "second root"},
		{name: "empty", content: ``, wantErr: "no root element"},
		{name: "trailing text", content: `<a/>junk`, wantErr: "outside the root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := WellFormedValidator{}.Process(context.Background(), record.Success{Content: []byte(tt.content)})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out.Warnings, tt.warnings)
			assert.Nil(t, out.Content, "validator passes content through")
		})
	}
}
