package protocol

import "github.com/google/protofuzz/pkg/ferrors"

var errTruncated = ferrors.New(ferrors.KindParse, "message truncated", nil)

func parseErr(msg string, details map[string]any) error {
	return ferrors.New(ferrors.KindParse, msg, details)
}

func serializationErr(msg string, details map[string]any) error {
	return ferrors.New(ferrors.KindSerialization, msg, details)
}

func fieldValidationErr(msg string, details map[string]any) error {
	return ferrors.New(ferrors.KindFieldValidation, msg, details)
}
