package handlers

import (
	"context"

	"github.com/invopop/jsonschema"
	"github.com/maruel/marketbff/internal/apierr"
	"github.com/maruel/marketbff/internal/records"
)

// SchemaRequest names a collection.
type SchemaRequest struct {
	Collection string `path:"collection"`
}

// Schema returns the JSON schema of a collection's input, for form builders.
// Free-form collections have none.
func Schema(ctx context.Context, req SchemaRequest) (*jsonschema.Schema, error) {
	c, err := lookup(req.Collection)
	if err != nil {
		return nil, err
	}
	if c.Input == nil {
		return nil, apierr.NotFound("Schema for " + c.Name)
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	s := r.Reflect(c.Input)
	s.Title = c.Label
	return s, nil
}
