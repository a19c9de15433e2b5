// Package embeddings provides optional embedding generation for experiences
// and queries.
//
// The only backend is FastEmbed, which runs an ONNX model in-process and
// requires a cgo build. With provider "none" the engine stores and retrieves
// experiences lexically and the vector component is reported as degraded.
package embeddings
