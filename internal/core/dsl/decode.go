package dsl

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
)

var operationDeclType = reflect.TypeOf(OperationDecl{})

// operationDeclHook turns raw interface list entries into OperationDecl.
func operationDeclHook(from, to reflect.Type, data any) (any, error) {
	if to != operationDeclType || from == operationDeclType {
		return data, nil
	}
	return ParseOperationDecl(data)
}

// DecodeDocument decodes a combined document into its typed view. The
// document is deep-copied first so the result shares nothing with it.
//
// This is a pure function.
func DecodeDocument(combined map[string]any) (*Document, error) {
	var doc Document
	if err := decode(CloneMap(combined), &doc); err != nil {
		return nil, &FormatError{
			Code:    CodeSchemaInvalid,
			Message: "failed decoding blueprint: " + err.Error(),
		}
	}
	return &doc, nil
}

// DecodeInterfaces decodes a raw interfaces mapping.
func DecodeInterfaces(raw any) (Interfaces, error) {
	var out Interfaces
	if err := decode(CloneValue(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.DecodeHookFuncType(operationDeclHook),
		Result:     output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
