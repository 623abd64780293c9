// Package apidoc holds the API descriptor model shared by the reconciler and the
// documentation server: the descriptor and set types, the Service annotation
// extractor, the discovery record codec and OpenAPI document helpers.
package apidoc
