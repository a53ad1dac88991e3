package signal

import (
	"encoding/json"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/confcast/internal/app/orch"
	"github.com/dkeye/confcast/internal/domain"
)

// Application error codes, next to the JSON-RPC reserved range.
const (
	CodeNotFound          = 4004
	CodeUnauthorized      = 4003
	CodeIncompatible      = 4009
	CodeEngineUnavailable = 5003
)

func codeOf(class domain.ErrorClass) int64 {
	switch class {
	case domain.ClassValidation:
		return jsonrpc2.CodeInvalidParams
	case domain.ClassNotFound:
		return CodeNotFound
	case domain.ClassUnauthorized:
		return CodeUnauthorized
	case domain.ClassIncompatible:
		return CodeIncompatible
	case domain.ClassEngineUnavailable:
		return CodeEngineUnavailable
	default:
		return jsonrpc2.CodeInternalError
	}
}

type errorData struct {
	Class string `json:"class"`
}

func rpcError(err error) *jsonrpc2.Error {
	class := domain.Classify(err)
	e := &jsonrpc2.Error{Code: codeOf(class), Message: err.Error()}
	if errors.Is(err, orch.ErrUnknownMethod) {
		e.Code = jsonrpc2.CodeMethodNotFound
	}
	if raw, mErr := json.Marshal(errorData{Class: class.String()}); mErr == nil {
		data := json.RawMessage(raw)
		e.Data = &data
	}
	return e
}
