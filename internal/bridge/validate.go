package bridge

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"toolbridge/internal/model"
)

// validateArguments checks arguments against the input schema name declares
// in tools. The schema is compiled per call from the Session's own catalog,
// so nothing outlives the request.
func validateArguments(tools []model.ToolDescriptor, name string, arguments any) error {
	var tool *model.ToolDescriptor
	for i := range tools {
		if tools[i].Name == name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		return model.Errorf(model.KindInvalidArguments, "unknown tool %q", name)
	}
	if len(tool.InputSchema) == 0 {
		return nil
	}

	schema, err := compileSchema(tool.InputSchema)
	if err != nil {
		// A schema we cannot compile is the subprocess's problem; let the call through.
		return nil
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(arguments))
	if err != nil {
		return model.Wrap(model.KindInvalidArguments, err, "arguments for %s could not be read", name)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return model.Errorf(model.KindInvalidArguments, "arguments for %s do not match its input schema: %s", name, strings.Join(details, "; "))
}

func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}
