// Package proto defines shared wire messages for routemesh.
package proto

import (
	"encoding/json"
	"fmt"
)

// Message types carried in mesh datagrams.
const (
	TypeAnnounce = "announce"
	TypeQuery    = "query"
	TypeResponse = "response"
)

// Envelope carries the type discriminator for incoming datagrams.
type Envelope struct {
	Type string `json:"type"`
}

// Announce is broadcast on the discovery channel so other nodes learn about us.
type Announce struct {
	Type     string `json:"type"`
	NodeID   string `json:"node_id"`
	MeshPort int    `json:"mesh_port"`
}

// Query asks a peer for a cached response by request fingerprint.
type Query struct {
	Type    string          `json:"type"`
	Hash    string          `json:"hash"`
	Request json.RawMessage `json:"request"`
}

// Response answers a Query from the peer's local cache.
type Response struct {
	Type     string          `json:"type"`
	Hash     string          `json:"hash"`
	Response json.RawMessage `json:"response"`
}

// NewAnnounce builds an announce message for this node.
func NewAnnounce(nodeID string, meshPort int) Announce {
	return Announce{Type: TypeAnnounce, NodeID: nodeID, MeshPort: meshPort}
}

// NewQuery builds a mesh query for the given fingerprint.
func NewQuery(hash string, request json.RawMessage) Query {
	return Query{Type: TypeQuery, Hash: hash, Request: request}
}

// NewResponse builds a mesh response for the given fingerprint.
func NewResponse(hash string, response json.RawMessage) Response {
	return Response{Type: TypeResponse, Hash: hash, Response: response}
}

// Encode marshals a message to its wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeType returns the type discriminator of a raw datagram.
func DecodeType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}

// DecodeAnnounce parses an announce datagram.
func DecodeAnnounce(data []byte) (*Announce, error) {
	var msg Announce
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode announce: %w", err)
	}
	if msg.MeshPort <= 0 || msg.MeshPort > 65535 {
		return nil, fmt.Errorf("decode announce: invalid mesh port %d", msg.MeshPort)
	}
	return &msg, nil
}

// DecodeQuery parses a query datagram.
func DecodeQuery(data []byte) (*Query, error) {
	var msg Query
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	if msg.Hash == "" {
		return nil, fmt.Errorf("decode query: missing hash")
	}
	return &msg, nil
}

// DecodeResponse parses a response datagram.
func DecodeResponse(data []byte) (*Response, error) {
	var msg Response
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if msg.Hash == "" {
		return nil, fmt.Errorf("decode response: missing hash")
	}
	return &msg, nil
}
