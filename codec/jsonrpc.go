package codec

// Version2 is the value of the "jsonrpc" member in JSON-RPC 2.0 documents.
const Version2 = "2.0"

// JSONRequest is a JSON-RPC request. Version 1 requests leave JSONRPC empty.
type JSONRequest struct {
	JSONRPC string `json:"jsonrpc,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      any    `json:"id"`
}

// JSONSuccess is a JSON-RPC response carrying a result, which may be null.
type JSONSuccess struct {
	JSONRPC string `json:"jsonrpc,omitempty"`
	Result  any    `json:"result"`
	ID      any    `json:"id"`
}

// JSONFailure is a JSON-RPC response carrying an error object.
type JSONFailure struct {
	JSONRPC string    `json:"jsonrpc,omitempty"`
	Error   JSONError `json:"error"`
	ID      any       `json:"id"`
}

type JSONError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
