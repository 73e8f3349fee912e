package api

import (
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/google/uuid"
)

// NewRequestContext creates a request context with a fresh trace ID
func NewRequestContext(profile string, driveID string, requestType types.RequestType) *types.RequestContext {
	return &types.RequestContext{
		Profile:           profile,
		DriveID:           driveID,
		InvolvedFileIDs:   []string{},
		InvolvedParentIDs: []string{},
		RequestType:       requestType,
		TraceID:           uuid.New().String(),
	}
}

// DeriveRequestContext copies parent's identity and trace for a new call type
func DeriveRequestContext(parent *types.RequestContext, requestType types.RequestType) *types.RequestContext {
	if parent == nil {
		return NewRequestContext("", "", requestType)
	}
	return &types.RequestContext{
		Profile:           parent.Profile,
		DriveID:           parent.DriveID,
		InvolvedFileIDs:   []string{},
		InvolvedParentIDs: []string{},
		RequestType:       requestType,
		TraceID:           parent.TraceID,
	}
}

// WithFileIDs adds file IDs to the request context
func WithFileIDs(reqCtx *types.RequestContext, fileIDs ...string) *types.RequestContext {
	reqCtx.InvolvedFileIDs = append(reqCtx.InvolvedFileIDs, fileIDs...)
	return reqCtx
}

// WithParentIDs adds parent IDs to the request context
func WithParentIDs(reqCtx *types.RequestContext, parentIDs ...string) *types.RequestContext {
	reqCtx.InvolvedParentIDs = append(reqCtx.InvolvedParentIDs, parentIDs...)
	return reqCtx
}
