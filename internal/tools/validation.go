package tools

import (
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// describeValidation reduces a schema failure to the top-level argument it
// concerns and a short message.
func describeValidation(verr *jsonschema.ValidationError) (field, msg string) {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		return req.Missing[0], "is required"
	}
	if len(leaf.InstanceLocation) > 0 {
		field = leaf.InstanceLocation[0]
	}
	return field, leaf.ErrorKind.LocalizedString(printer)
}
