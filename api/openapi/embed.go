package openapi

import "embed"

// FS holds the cpusim OpenAPI documents, one directory per API version.
//
//go:embed v1/*
var FS embed.FS
