// Package mcp provides a thin JSON-RPC codec wrapper around the MCP Go
// SDK, used wherever reticle needs to construct or parse a well-typed
// JSON-RPC message rather than working with raw bytes.
package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format. This
// delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message. It
// returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// NewRequest builds a *jsonrpc.Request with a numeric id, the shape the
// analyzer uses for its handshake and listing calls.
func NewRequest(id float64, method string, params []byte) (*jsonrpc.Request, error) {
	rpcID, err := jsonrpc.MakeID(id)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Request{ID: rpcID, Method: method, Params: params}, nil
}
