package appserver

import (
	"context"
	"encoding/json"
)

// Dispatch routes one incoming Request to its Handlers method and returns
// the Response or ErrorMessage to send back. Unknown methods and malformed
// params are reported with the matching JSON-RPC error codes (spec §4.10).
func Dispatch(ctx context.Context, h *Handlers, req Request, rateLimits RateLimitsSource, startChatGptLogin func(ctx context.Context) (string, string, error)) (*Response, *ErrorMessage) {
	switch req.Method {
	case "model/list":
		var params ModelListParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &ErrorMessage{ID: req.ID, Error: RPCError{Code: CodeInvalidParams, Message: err.Error()}}
			}
		}
		result, rpcErr := h.ModelList(params)
		if rpcErr != nil {
			return nil, &ErrorMessage{ID: req.ID, Error: *rpcErr}
		}
		return respond(req.ID, result)

	case "thread/list":
		var params ThreadListParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &ErrorMessage{ID: req.ID, Error: RPCError{Code: CodeInvalidParams, Message: err.Error()}}
			}
		}
		result, rpcErr := h.ThreadList(params)
		if rpcErr != nil {
			return nil, &ErrorMessage{ID: req.ID, Error: *rpcErr}
		}
		return respond(req.ID, result)

	case "account/rate_limits":
		result, rpcErr := h.GetAccountRateLimits(ctx, rateLimits)
		if rpcErr != nil {
			return nil, &ErrorMessage{ID: req.ID, Error: *rpcErr}
		}
		return respond(req.ID, result)

	case "login/api_key":
		var params LoginApiKeyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &ErrorMessage{ID: req.ID, Error: RPCError{Code: CodeInvalidParams, Message: err.Error()}}
		}
		result, rpcErr := h.LoginApiKey(params)
		if rpcErr != nil {
			return nil, &ErrorMessage{ID: req.ID, Error: *rpcErr}
		}
		return respond(req.ID, result)

	case "login/chatgpt":
		var params LoginChatGptParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &ErrorMessage{ID: req.ID, Error: RPCError{Code: CodeInvalidParams, Message: err.Error()}}
			}
		}
		result, rpcErr := h.LoginChatGpt(ctx, params, startChatGptLogin)
		if rpcErr != nil {
			return nil, &ErrorMessage{ID: req.ID, Error: *rpcErr}
		}
		return respond(req.ID, result)

	default:
		return nil, &ErrorMessage{ID: req.ID, Error: RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}

func respond(id RequestID, result any) (*Response, *ErrorMessage) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, &ErrorMessage{ID: id, Error: RPCError{Code: CodeInternalError, Message: err.Error()}}
	}
	return &Response{ID: id, Result: data}, nil
}
