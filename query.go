package gdwhisper

import (
	"fmt"
	"strings"
)

// Query selects resources inside one remote folder.
//
// NameContains and MimeTypes are alternatives: a resource matching any of
// them is selected. NameEquals always has to match.
type Query struct {
	FolderID       string
	NameEquals     string
	NameContains   string
	MimeTypes      []string
	IncludeTrashed bool
	PageSize       int
}

// String renders q in the Drive API query syntax.
func (q *Query) String() string {
	terms := []string{fmt.Sprintf("'%s' in parents", escapeQueryValue(q.FolderID))}
	if q.NameEquals != "" {
		terms = append(terms, fmt.Sprintf("name = '%s'", escapeQueryValue(q.NameEquals)))
	}
	var alternatives []string
	if q.NameContains != "" {
		alternatives = append(alternatives, fmt.Sprintf("name contains '%s'", escapeQueryValue(q.NameContains)))
	}
	for _, mimeType := range q.MimeTypes {
		if mimeType == "" {
			continue
		}
		alternatives = append(alternatives, fmt.Sprintf("mimeType = '%s'", escapeQueryValue(mimeType)))
	}
	switch len(alternatives) {
	case 0:
	case 1:
		terms = append(terms, alternatives[0])
	default:
		terms = append(terms, "("+strings.Join(alternatives, " or ")+")")
	}
	if !q.IncludeTrashed {
		terms = append(terms, "trashed = false")
	}
	return strings.Join(terms, " and ")
}

var queryValueReplacer = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeQueryValue(s string) string {
	return queryValueReplacer.Replace(s)
}
